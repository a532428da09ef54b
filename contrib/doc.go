// Package contrib holds helpers that sit outside the kiosksync core.
//
// [github.com/kioskworks/kiosksync/contrib/testenv] starts fake primary and
// secondary backends, builds the transport a client uses against them and
// provides a deterministic slog handler for asserting on log output.
//
// Packages under contrib are outside the compatibility guarantees of the core
// packages and may change without notice.
package contrib

package replconfig

import (
	"fmt"
	"testing"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCheckpointRoundTrip checks that a checkpoint built for one backend,
// normalized for either backend, always carries the requested field.
func TestCheckpointRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	keys := transactionsConfig().ResponseKeys()

	properties.Property("normalized checkpoint uses the wanted field", prop.ForAll(
		func(id, ts string, fromSecondary, wantSecondary bool) bool {
			from, want := testEndpoints.Primary, testEndpoints.Primary
			if fromSecondary {
				from = testEndpoints.Secondary
			}
			if wantSecondary {
				want = testEndpoints.Secondary
			}
			cp := BuildCheckpoint(from, id, ts)
			raw := fmt.Sprintf(`{"data":{"pullTransactions":{"documents":[],"checkpoint":{"id":%q,%q:%q}}}}`,
				cp["id"], CheckpointFieldFor(from), cp[CheckpointFieldFor(from)])

			res := NormalizePullResponse([]byte(raw), keys, CheckpointFieldFor(want))
			if res.Checkpoint == nil {
				return false
			}
			m := res.Checkpoint.Map()
			_, hasWant := m[CheckpointFieldFor(want)]
			_, hasOther := m[OtherCheckpointField(CheckpointFieldFor(want))]
			return hasWant && !hasOther && res.Checkpoint.ID == id && res.Checkpoint.UpdatedAt == ts
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("built checkpoint holds exactly one timestamp field", prop.ForAll(
		func(id, ts string, secondary bool) bool {
			ep := testEndpoints.Primary
			if secondary {
				ep = testEndpoints.Secondary
			}
			cp := BuildCheckpoint(ep, id, ts)
			_, server := cp[constants.FieldServerUpdatedAt]
			_, cloud := cp[constants.FieldCloudUpdatedAt]
			return len(cp) == 2 && server != cloud && server == !secondary
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

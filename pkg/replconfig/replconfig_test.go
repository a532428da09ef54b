package replconfig

import (
	"strings"
	"testing"
	"time"

	"github.com/graphql-go/graphql/language/parser"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEndpoints = models.NewEndpoints("http://p/graphql", "ws://p/graphql", "http://s/graphql", "ws://s/graphql")

func transactionsConfig() CollectionConfig {
	return Build(CollectionSpec{Name: "transactions", Fields: []string{"amount", "status"}}, DefaultDefaults())
}

func TestBuildDefaults(t *testing.T) {
	cfg := transactionsConfig()

	assert.Equal(t, "pullTransactions", cfg.QueryName)
	assert.Equal(t, "streamTransactions", cfg.StreamName)
	assert.Equal(t, "pushTransactions", cfg.PushName)
	assert.Equal(t, "TransactionsInputPushRow", cfg.PushRowType)
	assert.Equal(t, constants.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, constants.DefaultRetryInterval, cfg.RetryInterval)
	assert.True(t, cfg.Live)
	assert.False(t, cfg.WaitForLeadership)
	assert.Equal(t, []string{"pullTransactions", "streamTransactions"}, cfg.ResponseKeys())

	custom := Build(CollectionSpec{Name: "device_history", QueryName: "pullHistory", BatchSize: 5},
		Defaults{RetryInterval: time.Second, WaitForLeadership: true})
	assert.Equal(t, "pullHistory", custom.QueryName)
	assert.Equal(t, "streamDeviceHistory", custom.StreamName)
	assert.Equal(t, 5, custom.BatchSize)
	assert.Equal(t, time.Second, custom.RetryInterval)
	assert.True(t, custom.WaitForLeadership)
}

func TestBuildCheckpoint(t *testing.T) {
	p := BuildCheckpoint(testEndpoints.Primary, "a", "t1")
	assert.Contains(t, p, constants.FieldServerUpdatedAt)
	assert.NotContains(t, p, constants.FieldCloudUpdatedAt)

	s := BuildCheckpoint(testEndpoints.Secondary, "a", "t1")
	assert.Contains(t, s, constants.FieldCloudUpdatedAt)
	assert.NotContains(t, s, constants.FieldServerUpdatedAt)

	// Endpoints without an explicit field fall back on their name.
	assert.Equal(t, constants.FieldCloudUpdatedAt, CheckpointFieldFor(models.BackendEndpoint{Name: constants.EndpointSecondary}))
}

func TestPullVariables(t *testing.T) {
	cfg := transactionsConfig()

	vars := PullVariables(cfg, models.Checkpoint{})
	assert.Nil(t, vars["checkpoint"])
	assert.Equal(t, cfg.BatchSize, vars["limit"])

	vars = PullVariables(cfg, models.Checkpoint{ID: "x", Field: constants.FieldCloudUpdatedAt, UpdatedAt: "t"})
	assert.Equal(t, map[string]any{"id": "x", constants.FieldCloudUpdatedAt: "t"}, vars["checkpoint"])
}

func TestTypedQueriesParse(t *testing.T) {
	cfg := transactionsConfig()

	for _, field := range []string{constants.FieldServerUpdatedAt, constants.FieldCloudUpdatedAt} {
		t.Run(field, func(t *testing.T) {
			other := OtherCheckpointField(field)
			for _, q := range []string{PullQuery(cfg, field), StreamSubscription(cfg, field), PushMutation(cfg, field)} {
				require.NotEmpty(t, q)
				_, err := parser.Parse(parser.ParseParams{Source: q})
				require.NoError(t, err, q)
				assert.Contains(t, q, field)
				assert.NotContains(t, q, other)
			}
			assert.Contains(t, PullQuery(cfg, field), "pullTransactions")
			assert.Contains(t, StreamSubscription(cfg, field), "subscription")
			assert.Contains(t, PushMutation(cfg, field), "writeRows")
		})
	}
}

const pullTemplate = `query PullDevices($checkpoint: CheckpointInput, $limit: Int!) {
  pullDevices(checkpoint: $checkpoint, limit: $limit) {
    documents { id name server_updated_at }
    checkpoint { id server_updated_at }
  }
}`

func TestRetargetCheckpointField(t *testing.T) {
	out := RetargetCheckpointField(pullTemplate, constants.FieldCloudUpdatedAt)

	_, err := parser.Parse(parser.ParseParams{Source: out})
	require.NoError(t, err)

	// Only the checkpoint sub-selection is rewritten.
	checkpointPart := out[strings.Index(out, "checkpoint {"):]
	assert.Contains(t, checkpointPart, constants.FieldCloudUpdatedAt)
	assert.NotContains(t, checkpointPart, constants.FieldServerUpdatedAt)
	assert.Contains(t, out, "server_updated_at", "document selection keeps its own fields")

	back := RetargetCheckpointField(out, constants.FieldServerUpdatedAt)
	assert.NotContains(t, back, constants.FieldCloudUpdatedAt)

	cfg := Build(CollectionSpec{Name: "devices", PullQueryTemplate: pullTemplate}, DefaultDefaults())
	assert.Equal(t, out, PullQuery(cfg, constants.FieldCloudUpdatedAt))
}

func TestRetargetCheckpointFieldInvalidTemplate(t *testing.T) {
	garbage := "query { unterminated"
	assert.Equal(t, garbage, RetargetCheckpointField(garbage, constants.FieldCloudUpdatedAt))
}

func TestNormalizePullResponse(t *testing.T) {
	cfg := transactionsConfig()

	cases := []struct {
		name string
		raw  string
	}{
		{"query key under data", `{"data":{"pullTransactions":{"documents":[{"id":"a","amount":1}],"checkpoint":{"id":"a","server_updated_at":"t1"}}}}`},
		{"stream key under data", `{"data":{"streamTransactions":{"documents":[{"id":"a","amount":1}],"checkpoint":{"id":"a","server_updated_at":"t1"}}}}`},
		{"top level key", `{"pullTransactions":{"documents":[{"id":"a","amount":1}],"checkpoint":{"id":"a","server_updated_at":"t1"}}}`},
		{"wrong checkpoint field", `{"data":{"pullTransactions":{"documents":[{"id":"a","amount":1}],"checkpoint":{"id":"a","cloud_updated_at":"t1"}}}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := NormalizePullResponse([]byte(c.raw), cfg.ResponseKeys(), constants.FieldServerUpdatedAt)
			require.True(t, res.Found)
			require.Len(t, res.Documents, 1)
			assert.Equal(t, "a", res.Documents[0].ID())
			require.NotNil(t, res.Checkpoint)
			assert.Equal(t, "a", res.Checkpoint.ID)
			assert.Equal(t, "t1", res.Checkpoint.UpdatedAt)
			assert.Equal(t, constants.FieldServerUpdatedAt, res.Checkpoint.Field)
			assert.Equal(t, map[string]any{"id": "a", constants.FieldServerUpdatedAt: "t1"}, res.Checkpoint.Map())
		})
	}
}

func TestNormalizePullResponseIsTotal(t *testing.T) {
	keys := transactionsConfig().ResponseKeys()
	for _, raw := range []string{"", "null", "{", `{"data":null}`, `{"data":{"other":{}}}`, `[1,2]`} {
		res := NormalizePullResponse([]byte(raw), keys, constants.FieldCloudUpdatedAt)
		assert.False(t, res.Found, raw)
		assert.Empty(t, res.Documents)
		assert.Nil(t, res.Checkpoint)
	}

	res := NormalizePullResponse([]byte(`{"data":{"pullTransactions":{"documents":"bad","checkpoint":null}}}`), keys, constants.FieldCloudUpdatedAt)
	assert.True(t, res.Found)
	assert.Empty(t, res.Documents)
	assert.Nil(t, res.Checkpoint)
}

func TestCleanDocument(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out := CleanDocument(models.Document{"id": "a", "note": nil, "amount": 3.0, "deleted": true}, now)
	assert.Equal(t, models.Document{
		"id":           "a",
		"amount":       3.0,
		"_deleted":     true,
		"_received_at": "2024-05-01T12:00:00Z",
	}, out)

	out = CleanDocument(models.Document{"id": "b", "deleted": nil}, now)
	assert.Equal(t, false, out["_deleted"])
	assert.NotContains(t, out, "deleted")
}

func TestCoerceDocumentCheckpointField(t *testing.T) {
	doc := CoerceDocumentCheckpointField(models.Document{"cloud_updated_at": "t"}, constants.FieldServerUpdatedAt)
	assert.Equal(t, "t", doc[constants.FieldServerUpdatedAt])

	doc = CoerceDocumentCheckpointField(models.Document{"server_updated_at": "x"}, constants.FieldServerUpdatedAt)
	assert.Equal(t, "x", doc[constants.FieldServerUpdatedAt])
}

func TestPushRows(t *testing.T) {
	rows := PushRows([]models.Document{
		{"id": "a", "amount": 1, "_deleted": true, "_seq": int64(4), "_origin": "local"},
		{"id": "b"},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"newDocumentState": map[string]any{"id": "a", "amount": 1, "deleted": true}}, rows[0])
	assert.Equal(t, map[string]any{"newDocumentState": map[string]any{"id": "b", "deleted": false}}, rows[1])
}

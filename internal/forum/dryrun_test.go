package forum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/testutil"
)

func TestDryRunTransport_Publish(t *testing.T) {
	tr := NewDryRunTransport(testutil.Logger(t))
	res, err := tr.Publish(testutil.TestContext(t), "d", "t1", "hello")
	require.NoError(t, err)
	assert.Contains(t, res.ExternalID, "dryrun-")

	pub := tr.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, Published{ExternalID: res.ExternalID, Destination: "d", ThreadID: "t1", Content: "hello"}, pub[0])
}

func TestDryRunTransport_ListNewReplies(t *testing.T) {
	tr := NewDryRunTransport(nil)
	base := testutil.Epoch
	tr.AddReply("t1", domain.Reply{ID: "late", CreatedAt: base.Add(2 * time.Minute)})
	tr.AddReply("t1", domain.Reply{ID: "early", CreatedAt: base.Add(time.Minute)})
	tr.AddReply("t1", domain.Reply{ID: "old", CreatedAt: base})
	tr.AddReply("t2", domain.Reply{ID: "other", CreatedAt: base.Add(time.Hour)})

	var ids []string
	for r, err := range tr.ListNewReplies(testutil.TestContext(t), "t1", base) {
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"early", "late"}, ids)
}

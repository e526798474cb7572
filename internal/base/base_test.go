// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"fmt"
	"testing"
	"time"

	"github.com/fairrun/fairrun/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKey(t *testing.T) {
	tests := []struct {
		q    QueueID
		want string
	}{
		{
			q:    QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"},
			want: "{org:acme}:proj:p1:env:prod:queue:emails",
		},
		{
			q:    QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails", ConcurrencyKey: "user-42"},
			want: "{org:acme}:proj:p1:env:prod:queue:emails:ck:user-42",
		},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, QueueKey(tc.q))
	}
}

func TestParseQueueKeyRoundTrip(t *testing.T) {
	queues := []QueueID{
		{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"},
		{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails", ConcurrencyKey: "user-42"},
		{OrgID: "o", ProjectID: "p", EnvID: "e", Name: "q"},
	}
	for _, q := range queues {
		got, err := ParseQueueKey(QueueKey(q))
		require.NoError(t, err)
		assert.Equal(t, q, got)
	}
}

func TestParseQueueKeyMalformed(t *testing.T) {
	inputs := []string{
		"",
		"org:acme:proj:p1:env:prod:queue:emails",
		"{org:acme",
		"{org:acme}:proj:p1:env:prod",
		"{org:acme}:proj:p1:env:prod:queue:emails:extra",
		"{org:acme}:proj:p1:env:prod:queue:emails:xx:user-42",
		"{org:acme}:env:prod:queue:emails",
	}
	for _, input := range inputs {
		_, err := ParseQueueKey(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestDerivedQueueKeys(t *testing.T) {
	q := QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"}
	base := "{org:acme}:proj:p1:env:prod:queue:emails"
	assert.Equal(t, base, PendingKey(q))
	assert.Equal(t, base+":inflight", InFlightKey(q))
	assert.Equal(t, base+":m:run123", MessageKey(q, "run123"))
	assert.Equal(t, base+":currentConcurrency", QueueConcurrencyKey(q))
	assert.Equal(t, base+":concurrencyLimit", QueueConcurrencyLimitKey(q))
	assert.Equal(t, "{org:acme}:env:prod:currentConcurrency", EnvConcurrencyKey("acme", "prod"))
	assert.Equal(t, "{org:acme}:env:prod:concurrencyLimit", EnvConcurrencyLimitKey("acme", "prod"))
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"acme", "proj-1", "user_42", "v1.2.3"}
	for _, id := range valid {
		assert.NoError(t, ValidateIdentifier(id), "id %q", id)
	}
	invalid := []string{"a:b", "a{b", "a}b", "a|b", "a b", "a\tb", "a\nb"}
	for _, id := range invalid {
		assert.Error(t, ValidateIdentifier(id), "id %q", id)
	}
}

func TestQueueIDValidate(t *testing.T) {
	valid := QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"}
	assert.NoError(t, valid.Validate())

	invalid := []QueueID{
		{OrgID: "", ProjectID: "p1", EnvID: "prod", Name: "emails"},
		{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: ""},
		{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "  "},
		{OrgID: "a:b", ProjectID: "p1", EnvID: "prod", Name: "emails"},
		{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails", ConcurrencyKey: "u|1"},
	}
	for _, q := range invalid {
		assert.Error(t, q.Validate(), "queue %+v", q)
	}
}

func TestTenantRoundTrip(t *testing.T) {
	tenant := Tenant{OrgID: "acme", EnvID: "prod"}
	require.Equal(t, "org:acme:env:prod", tenant.String())

	got, err := ParseTenant(tenant.String())
	require.NoError(t, err)
	assert.Equal(t, tenant, got)

	for _, input := range []string{"", "acme:prod", "org:acme", "env:prod:org:acme"} {
		_, err := ParseTenant(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestShardForQueueStable(t *testing.T) {
	key := QueueKey(QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"})
	first := ShardForQueue(key, 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ShardForQueue(key, 8))
	}
}

func TestShardForQueueRange(t *testing.T) {
	const shardCount = 4
	hits := make(map[int]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("{org:o%d}:proj:p:env:e:queue:q%d", i%17, i)
		shard := ShardForQueue(key, shardCount)
		require.GreaterOrEqual(t, shard, 0)
		require.Less(t, shard, shardCount)
		hits[shard]++
	}
	// With 1000 keys every shard should see a reasonable share.
	for shard := 0; shard < shardCount; shard++ {
		assert.Greater(t, hits[shard], 100, "shard %d starved", shard)
	}
}

func TestShardForQueueSingleShard(t *testing.T) {
	assert.Equal(t, 0, ShardForQueue("anything", 1))
	assert.Equal(t, 0, ShardForQueue("anything", 0))
}

func TestShardKeys(t *testing.T) {
	assert.Equal(t, "fq:master:{3}", MasterShardKey(3))
	assert.Equal(t, "fq:dispatch:{0}", DispatchShardKey(0))
	assert.Equal(t, "fq:tenantq:{org:acme:env:prod}", TenantQueuesKey(Tenant{OrgID: "acme", EnvID: "prod"}))
}

func TestMasterQueueMember(t *testing.T) {
	member := MasterQueueMember("prod", "batch-1")
	require.Equal(t, "prod:batch-1", member)

	envID, batchID, err := ParseMasterQueueMember(member)
	require.NoError(t, err)
	assert.Equal(t, "prod", envID)
	assert.Equal(t, "batch-1", batchID)

	// Batch IDs may contain colons; only the first colon splits.
	envID, batchID, err = ParseMasterQueueMember("prod:01J:XYZ")
	require.NoError(t, err)
	assert.Equal(t, "prod", envID)
	assert.Equal(t, "01J:XYZ", batchID)

	for _, input := range []string{"", "noseparator", ":leading", "trailing:"} {
		_, _, err := ParseMasterQueueMember(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestSweeperMarkedMember(t *testing.T) {
	queueKey := QueueKey(QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"})
	member := SweeperMarkedMember(queueKey, "run-1")

	gotKey, gotRun, err := ParseSweeperMarkedMember(member)
	require.NoError(t, err)
	assert.Equal(t, queueKey, gotKey)
	assert.Equal(t, "run-1", gotRun)

	for _, input := range []string{"", "nosep", "|leading", "trailing|"} {
		_, _, err := ParseSweeperMarkedMember(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	msg := &RunMessage{
		ID:             "run-1",
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "emails",
		ConcurrencyKey: "user-42",
		TaskIdentifier: "send-email",
		EnqueuedAtMs:   1700000000000,
		Attempt:        2,
		Payload:        []byte(`{"user_id":42}`),
	}
	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = EncodeMessage(nil)
	assert.Error(t, err)
	_, err = DecodeMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestRunMessageQueueID(t *testing.T) {
	msg := &RunMessage{
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "emails",
		ConcurrencyKey: "user-42",
	}
	assert.Equal(t, QueueID{
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Name:           "emails",
		ConcurrencyKey: "user-42",
	}, msg.QueueID())
}

func TestLeaseResetAndExpiry(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Now())
	l := NewLease(clock.Now().Add(30 * time.Second))
	l.Clock = clock

	assert.True(t, l.IsValid())
	assert.False(t, l.NotifyExpiration(), "a valid lease does not notify")

	require.True(t, l.Reset(clock.Now().Add(time.Minute)))
	assert.Equal(t, clock.Now().Add(time.Minute), l.Deadline())

	clock.AdvanceTime(2 * time.Minute)
	assert.False(t, l.IsValid())
	assert.False(t, l.Reset(clock.Now().Add(time.Minute)), "an expired lease cannot be reset")

	select {
	case <-l.Done():
		t.Fatal("expiration notified before NotifyExpiration")
	default:
	}
	assert.True(t, l.NotifyExpiration())
	select {
	case <-l.Done():
	default:
		t.Fatal("Done is closed after expiration is notified")
	}
	assert.True(t, l.NotifyExpiration(), "notifying again is a no-op")
}

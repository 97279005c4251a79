package ledger

import (
    "context"
    "encoding/json"
    "errors"
    "testing"

    "github.com/segmentio/kafka-go"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "supplier-sync/internal/types"
)

type fakeWriter struct {
    msgs []kafka.Message
    err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
    if f.err != nil {
        return f.err
    }
    f.msgs = append(f.msgs, msgs...)
    return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestMemory_RunClosesOnce(t *testing.T) {
    ctx := context.Background()
    m := NewMemory()

    run, err := m.OpenRun(ctx, "sup-1", types.TriggerPull)
    require.NoError(t, err)
    assert.Equal(t, types.RunRunning, run.Status)
    assert.NotEmpty(t, run.ID)

    run.Status = types.RunSuccess
    run.Inserted = 3
    require.NoError(t, m.CloseRun(ctx, run))
    assert.ErrorIs(t, m.CloseRun(ctx, run), ErrRunClosed)

    runs := m.Runs()
    require.Len(t, runs, 1)
    assert.Equal(t, types.RunSuccess, runs[0].Status)
    assert.Equal(t, 3, runs[0].Inserted)
    assert.NotNil(t, runs[0].FinishedAt)
}

func TestMulti_FansOutWithSameID(t *testing.T) {
    ctx := context.Background()
    primary := NewMemory()
    fw := &fakeWriter{}
    multi := &Multi{Primary: primary, Sinks: []Auditor{&KafkaPublisher{writer: fw}}}

    require.NoError(t, multi.Audit(ctx, types.AuditEntry{SupplierID: "sup-1", Action: types.ActionIPBlocked, StatusCode: 403}))

    entries := primary.Entries()
    require.Len(t, entries, 1)
    require.Len(t, fw.msgs, 1)
    assert.Equal(t, []byte("sup-1"), fw.msgs[0].Key)

    var published types.AuditEntry
    require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &published))
    assert.Equal(t, entries[0].ID, published.ID)
    assert.Equal(t, types.ActionIPBlocked, published.Action)
}

func TestMulti_SinkErrorDoesNotFail(t *testing.T) {
    var seen error
    multi := &Multi{
        Primary: NewMemory(),
        Sinks:   []Auditor{&KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}}},
        OnError: func(err error) { seen = err },
    }
    require.NoError(t, multi.Audit(context.Background(), types.AuditEntry{Action: types.ActionSyncFailed}))
    assert.ErrorContains(t, seen, "broker down")
}

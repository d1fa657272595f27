package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
	"github.com/heartline/realtime/internal/eventbus"
	"github.com/heartline/realtime/internal/messaging"
)

type fakeService struct {
	authErr   error
	gotAction domain.Action
	events    []eventbus.Event
}

func (f *fakeService) Authorize(_ context.Context, _, _ domain.UserID, action domain.Action) error {
	f.gotAction = action
	return f.authErr
}

func (f *fakeService) PublishExternal(_ context.Context, ev eventbus.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func decodeReply(t *testing.T, data []byte) messaging.AuthorizeReply {
	t.Helper()
	var r messaging.AuthorizeReply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestHandleAuthorizeAllows(t *testing.T) {
	svc := &fakeService{}
	in := messaging.NewIngress(svc, nil)

	reply := decodeReply(t, in.HandleAuthorize([]byte(`{"actor":1,"target":2,"action":"like"}`)))
	assert.True(t, reply.Allowed)
	assert.Equal(t, domain.ActionLike, svc.gotAction)
}

func TestHandleAuthorizeDenials(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		authErr error
		want    string
	}{
		{"blocked", `{"actor":1,"target":2,"action":"message"}`, domain.ErrRelationshipDenied, errmap.CodeRelationshipDenied},
		{"self like", `{"actor":1,"target":1,"action":"like"}`, domain.ErrSelfAction, errmap.CodeSelfAction},
		{"store down", `{"actor":1,"target":2,"action":"view"}`, domain.ErrStoreUnavailable, errmap.CodeStoreUnavailable},
		{"unknown action", `{"actor":1,"target":2,"action":"poke"}`, nil, errmap.CodeInvalidInput},
		{"garbage", `{not json`, nil, errmap.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := messaging.NewIngress(&fakeService{authErr: tt.authErr}, nil)
			reply := decodeReply(t, in.HandleAuthorize([]byte(tt.body)))
			assert.False(t, reply.Allowed)
			assert.Equal(t, tt.want, reply.Code)
		})
	}
}

func TestHandleEventDecodesKinds(t *testing.T) {
	svc := &fakeService{}
	in := messaging.NewIngress(svc, nil)

	require.NoError(t, in.HandleEvent([]byte(`{"kind":"like_created","from":1,"to":2}`)))
	require.NoError(t, in.HandleEvent([]byte(`{"kind":"block_deleted","from":2,"to":1}`)))
	require.NoError(t, in.HandleEvent([]byte(`{"kind":"message_sent","from":1,"to":2,"message_id":9,"body":"hey","timestamp":1700000000123}`)))

	require.Len(t, svc.events, 3)
	assert.Equal(t, eventbus.LikeCreated{From: 1, To: 2}, svc.events[0])
	assert.Equal(t, eventbus.BlockDeleted{From: 2, To: 1}, svc.events[1])

	msg := svc.events[2].(eventbus.MessageSent).Message
	assert.Equal(t, int64(9), msg.ID)
	assert.Equal(t, "hey", msg.Body)
	assert.True(t, msg.Timestamp.Equal(time.UnixMilli(1700000000123)))
}

func TestHandleEventRejectsUnknownKinds(t *testing.T) {
	svc := &fakeService{}
	in := messaging.NewIngress(svc, nil)

	assert.ErrorIs(t, in.HandleEvent([]byte(`{"kind":"status_changed","from":1}`)), domain.ErrInvalidInput)
	assert.ErrorIs(t, in.HandleEvent([]byte(`nope`)), domain.ErrInvalidInput)
	assert.Empty(t, svc.events)
}

func TestParseAction(t *testing.T) {
	for _, a := range []domain.Action{domain.ActionMessage, domain.ActionLike, domain.ActionView} {
		got, err := messaging.ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := messaging.ParseAction("unknown")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

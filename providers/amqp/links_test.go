package amqp

import (
	"context"
	"errors"
	"testing"

	goamqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu"
)

func TestClassifyState(t *testing.T) {
	tests := []struct {
		name      string
		state     goamqp.DeliveryState
		want      deliveryState
		condition string
	}{
		{name: "accepted", state: &goamqp.StateAccepted{}, want: stateAccepted},
		{
			name:      "rejected",
			state:     &goamqp.StateRejected{Error: &goamqp.Error{Condition: goamqp.ErrCondPreconditionFailed, Description: "no"}},
			want:      stateRejected,
			condition: "amqp:precondition-failed",
		},
		{name: "rejected without error", state: &goamqp.StateRejected{}, want: stateRejected},
		{name: "released", state: &goamqp.StateReleased{}, want: stateReleased},
		{name: "modified", state: &goamqp.StateModified{DeliveryFailed: true}, want: stateModified},
		{name: "received", state: &goamqp.StateReceived{}, want: stateUnknown},
		{name: "none", state: nil, want: stateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := classifyState(tt.state)
			assert.Equal(t, tt.want, o.state)
			assert.False(t, o.fatal)
			assert.False(t, o.closed)
			if tt.want == stateAccepted || tt.want == stateUnknown {
				assert.NoError(t, o.err)
				return
			}
			require.Error(t, o.err)
			if tt.condition != "" {
				var pe *kyu.ProtocolError
				require.True(t, errors.As(o.err, &pe), "got %v", o.err)
				assert.Equal(t, tt.condition, pe.Condition)
			}
		})
	}
}

func TestClassifySend(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   deliveryState
		fatal  bool
		closed bool
	}{
		{name: "written", err: nil, want: stateAccepted},
		{name: "connection lost", err: &goamqp.ConnError{}, want: stateFailed, fatal: true},
		{name: "link detached", err: &goamqp.LinkError{RemoteErr: &goamqp.Error{Condition: goamqp.ErrCondNotAllowed}}, want: stateFailed, closed: true},
		{name: "remote error", err: &goamqp.Error{Condition: goamqp.ErrCondNotAllowed}, want: stateRejected},
		{name: "cancelled", err: context.Canceled, want: stateFailed},
		{name: "other", err: errors.New("boom"), want: stateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := classifySend(tt.err)
			assert.Equal(t, tt.want, o.state)
			assert.Equal(t, tt.fatal, o.fatal)
			assert.Equal(t, tt.closed, o.closed)
		})
	}
	assert.ErrorIs(t, classifySend(context.Canceled).err, kyu.ErrClosed)
}

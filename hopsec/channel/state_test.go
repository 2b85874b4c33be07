package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableIsClosed(t *testing.T) {
	states := []State{Uninitialized, SentMsg1, AwaitingMsg1, ReceivedMsg2, SentMsg2, SentMsg3, ReceivedMsg3, Established, Closed}
	events := []event{evSendMsg1, evListen, evRecvMsg1, evRecvMsg2, evSendMsg3, evRecvMsg3, evSplit, evClose}
	for _, role := range []Role{Initiator, Responder} {
		for _, from := range states {
			for _, ev := range events {
				to, err := nextState(role, from, ev)
				if want, ok := transitions[transitionKey{role, from, ev}]; ok {
					require.NoError(t, err)
					assert.Equal(t, want, to)
					continue
				}
				require.ErrorIs(t, err, ErrProtocolViolation, "%s %s %s", role, from, ev)
				assert.Equal(t, from, to)
			}
		}
	}
}

func TestTransitionPaths(t *testing.T) {
	walk := func(role Role, events ...event) State {
		s := Uninitialized
		for _, ev := range events {
			next, err := nextState(role, s, ev)
			require.NoError(t, err, "%s %s %s", role, s, ev)
			s = next
		}
		return s
	}
	assert.Equal(t, Established, walk(Initiator, evSendMsg1, evRecvMsg2, evSendMsg3, evSplit))
	assert.Equal(t, Established, walk(Responder, evListen, evRecvMsg1, evRecvMsg3, evSplit))
	assert.Equal(t, Closed, walk(Initiator, evSendMsg1, evRecvMsg2, evSendMsg3, evSplit, evClose))

	// nothing leaves Closed
	for _, ev := range []event{evSendMsg1, evListen, evRecvMsg1, evSplit, evClose} {
		_, err := nextState(Responder, Closed, ev)
		assert.ErrorIs(t, err, ErrProtocolViolation)
	}
}

func TestEstablishErrorMatchesReasonAndCause(t *testing.T) {
	cause := classify(ErrTrust, assert.AnError)
	err := establishError(cause)
	assert.Equal(t, ReasonTrust, err.Reason)
	assert.ErrorIs(t, err, ErrTrust)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Same(t, err, establishError(err))

	assert.Equal(t, ReasonProtocol, reasonOf(assert.AnError))
	assert.Equal(t, ReasonTimeout, reasonOf(ErrTimeout))
	assert.Contains(t, (&EstablishError{Reason: ReasonCancelled}).Error(), "cancelled")
	assert.ErrorIs(t, &EstablishError{Reason: ReasonCancelled}, ErrCancelled)
}

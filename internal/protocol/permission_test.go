package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionString(t *testing.T) {
	assert.Equal(t, "SEND_EVAL", SendEval.String())
	assert.Equal(t, "RECEIVE_CALL", ReceiveCall.String())
	assert.Equal(t, "SEND_CANCEL_REGISTER", SendCancelRegister.String())
}

func TestParsePermission(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Permission
		wantErr bool
	}{
		{"send eval", "SEND_EVAL", SendEval, false},
		{"lower case", "receive_call", ReceiveCall, false},
		{"padded", "  SEND_CANCEL_REGISTER ", SendCancelRegister, false},
		{"send error", "SEND_ERROR", SendError, false},
		{"missing direction", "EVAL", Permission{}, true},
		{"unknown kind", "SEND_FORMAT", Permission{}, true},
		{"response cannot be granted", "RECEIVE_RESPONSE", Permission{}, true},
		{"empty", "", Permission{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePermission(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePermissionsSkipsBlank(t *testing.T) {
	perms, err := ParsePermissions([]string{"SEND_EVAL", "", " ", "RECEIVE_CALL"})
	require.NoError(t, err)
	assert.Equal(t, []Permission{SendEval, ReceiveCall}, perms)

	_, err = ParsePermissions([]string{"SEND_EVAL", "bogus"})
	assert.Error(t, err)
}

func TestPermissionsFailClosed(t *testing.T) {
	perms, err := NewPermissions(SendEval)
	require.NoError(t, err)

	assert.True(t, perms.CanSend(KindEval))
	assert.False(t, perms.CanReceive(KindEval))
	assert.False(t, perms.CanSend(KindCall))
	assert.False(t, perms.Has(KindAssign, Receive))

	var none *Permissions
	assert.False(t, none.CanSend(KindEval))
	assert.Empty(t, none.List())
}

func TestNewPermissionsRejectsInvalid(t *testing.T) {
	_, err := NewPermissions(SendEval, Permission{Kind: "format", Direction: Send})
	assert.Error(t, err)

	_, err = NewPermissions(Permission{Kind: KindEval})
	assert.Error(t, err)

	assert.Panics(t, func() {
		MustPermissions(Permission{Kind: KindResponse, Direction: Send})
	})
}

func TestPermissionsList(t *testing.T) {
	perms := MustPermissions(ReceiveCall, SendEval, SendAccess, SendEval)
	assert.Equal(t, []string{"RECEIVE_CALL", "SEND_ACCESS", "SEND_EVAL"}, perms.Strings())
}

func TestDefaultsAreComplementary(t *testing.T) {
	host := HostDefaults()
	worker := WorkerDefaults()

	requests := []OperationKind{
		KindEval, KindCall, KindRegister, KindCancelRegister,
		KindAssign, KindAccess, KindRemove,
	}
	for _, kind := range requests {
		assert.True(t, host.CanSend(kind), "host should send %s", kind)
		assert.True(t, worker.CanReceive(kind), "worker should receive %s", kind)
	}

	assert.True(t, host.CanReceive(KindCall))
	assert.True(t, host.CanReceive(KindError))
	assert.False(t, host.CanReceive(KindEval))

	assert.True(t, worker.CanSend(KindCall))
	assert.True(t, worker.CanSend(KindError))
	assert.False(t, worker.CanSend(KindEval))
}

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      *CoreError
		code     ErrorCode
		grpcCode codes.Code
	}{
		{name: "conflict", err: Conflict("id collision"), code: ErrCodeConflict, grpcCode: codes.Aborted},
		{name: "lock declined", err: LockDeclined("peer:1"), code: ErrCodeLockDeclined, grpcCode: codes.Aborted},
		{name: "not found", err: NotFound("item", "abc"), code: ErrCodeNotFound, grpcCode: codes.NotFound},
		{name: "unreachable", err: PeerUnreachable("peer:1", fmt.Errorf("refused")), code: ErrCodePeerUnreachable, grpcCode: codes.Unavailable},
		{name: "timeout", err: RequestTimeout("peer:1", "chunk.lock"), code: ErrCodeRequestTimeout, grpcCode: codes.DeadlineExceeded},
		{name: "corrupted", err: CorruptedData("bad bytes", nil), code: ErrCodeCorruptedData, grpcCode: codes.DataLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, GetCode(tt.err))
			assert.Equal(t, tt.grpcCode, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsConflict(Conflict("x")))
	assert.False(t, IsConflict(NotFound("item", "x")))
	assert.True(t, IsLockDeclined(LockDeclined("peer:1")))
	assert.True(t, IsNotFound(NotFound("item", "x")))
	assert.False(t, IsConflict(nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := PeerUnreachable("peer:1", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorDetails(t *testing.T) {
	err := LockDeclined("peer:1")
	assert.Equal(t, "peer:1", err.Details["peer"])
}

package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// insertArgs matches every placeholder in the audit insert without
// pinning values the logger fills in itself (id, timestamp, metadata).
func insertArgs() []interface{} {
	args := make([]interface{}, 14)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestLogger_PersistsEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(insertArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	logger := NewLogger(mock, true)
	err = logger.Log(context.Background(), &Event{
		EventType: EventTypeKillSwitchEngaged,
		Severity:  SeverityCritical,
		UserID:    "user123",
		IPAddress: "192.168.1.1",
		Resource:  "global",
		Action:    "Engage kill switch",
		Success:   true,
		Metadata:  map[string]interface{}{"reason": "manual"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogger_PersistFailureSurfaces(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(insertArgs()...).
		WillReturnError(errors.New("connection reset"))

	logger := NewLogger(mock, true)
	err = logger.Log(context.Background(), &Event{
		EventType: EventTypeTradePlaced,
		Severity:  SeverityInfo,
		Action:    "Place trade",
		Success:   true,
	})
	assert.Error(t, err, "a failed insert must not be silently swallowed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

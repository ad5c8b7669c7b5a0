package notifications

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/db"
)

func TestNewFCMBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyCredentialsPathUsesMock", func(t *testing.T) {
		backend, err := NewFCMBackend(ctx, "")
		require.NoError(t, err)
		assert.True(t, backend.IsMock())
		assert.Equal(t, "fcm_mock", backend.Name())
	})

	t.Run("MissingCredentialsFileUsesMock", func(t *testing.T) {
		backend, err := NewFCMBackend(ctx, "/nonexistent/path/credentials.json")
		require.NoError(t, err)
		assert.True(t, backend.IsMock())
	})

	t.Run("MockSendSucceeds", func(t *testing.T) {
		backend, err := NewFCMBackend(ctx, "")
		require.NoError(t, err)
		defer backend.Close()

		err = backend.Send(ctx, validToken("mock"), &db.Notification{
			ID:    uuid.New(),
			Type:  db.NotificationTypeTrade,
			Title: "Trade filled",
			Body:  "Bought 0.01 BTCUSDT",
		})
		assert.NoError(t, err)
	})
}

func TestValidateToken(t *testing.T) {
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"TypicalRegistrationToken", validToken("ok"), true},
		{"WithColonSeparator", "dXNlcjp0b2tlbg:" + strings.Repeat("A", 130), true},
		{"TooShort", "abc123", false},
		{"TooLong", strings.Repeat("a", 250), false},
		{"IllegalCharacters", validToken("bad")[:138] + "!!", false},
		{"Empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidateToken(tc.token))
		})
	}
}

func TestPushData(t *testing.T) {
	id := uuid.New()

	t.Run("FlattensMetadataToStrings", func(t *testing.T) {
		data := pushData(&db.Notification{
			ID:   id,
			Type: db.NotificationTypeAlert,
			Metadata: map[string]interface{}{
				"symbol":    "BTCUSDT",
				"threshold": decimal.RequireFromString("45000"),
				"attempt":   3,
			},
		})

		assert.Equal(t, "alert", data["type"])
		assert.Equal(t, id.String(), data["notification_id"])
		assert.Equal(t, "BTCUSDT", data["symbol"])
		assert.Equal(t, "45000", data["threshold"])
		assert.Equal(t, "3", data["attempt"])
	})

	t.Run("NoMetadataStillCarriesType", func(t *testing.T) {
		data := pushData(&db.Notification{ID: id, Type: db.NotificationTypeSystem})
		assert.Len(t, data, 2)
		assert.Equal(t, "system", data["type"])
	})
}

func TestHighPriority(t *testing.T) {
	assert.True(t, highPriority(db.NotificationTypeKillSwitch))
	assert.True(t, highPriority(db.NotificationTypeBreaker))
	assert.True(t, highPriority(db.NotificationTypeApproval))
	assert.False(t, highPriority(db.NotificationTypeTrade))
	assert.False(t, highPriority(db.NotificationTypeOpportunity))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", maskToken("short"))
	masked := maskToken("abcd1234efgh5678")
	assert.Equal(t, "abcd...5678", masked)
	assert.NotContains(t, masked, "1234efgh")
}

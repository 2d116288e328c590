package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rynk-ai/rynk-web-sub001/internal/auth"
	"github.com/rynk-ai/rynk-web-sub001/internal/conversations"
	"github.com/rynk-ai/rynk-web-sub001/internal/database"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "rynk_session"
)

var testDatabaseSequence atomic.Int64

type testEnvironment struct {
	handler    http.Handler
	dispatcher *RealtimeDispatcher
	service    *conversations.Service
}

func newTestEnvironment(t *testing.T, logger *zap.Logger) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   fmt.Sprintf("file:rynk_server_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1)),
	}, logger)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	service, err := conversations.NewService(conversations.ServiceConfig{
		Database:   db,
		IDProvider: conversations.NewUUIDProvider(),
		Logger:     logger,
	})
	require.NoError(t, err)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	require.NoError(t, err)

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:    validator,
		ConversationService: service,
		Realtime:            dispatcher,
		Logger:              logger,
	})
	require.NoError(t, err)

	return &testEnvironment{handler: handler, dispatcher: dispatcher, service: service}
}

func mintSessionToken(t *testing.T, userID string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "rynk-auth",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	require.NoError(t, err)
	return signed
}

// do issues an authenticated request against the handler and decodes the JSON response into out.
func (env *testEnvironment) do(t *testing.T, userID, method, target string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		switch typed := body.(type) {
		case string:
			reader = bytes.NewBufferString(typed)
		default:
			encoded, err := json.Marshal(typed)
			require.NoError(t, err)
			reader = bytes.NewReader(encoded)
		}
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+mintSessionToken(t, userID, time.Hour))

	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	if out != nil && recorder.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), out), recorder.Body.String())
	}
	return recorder.Code
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
	"github.com/stratacms/strata/storage"
)

func testHandlers(t *testing.T) *Handlers {
	t.Helper()
	engine := crud.NewEngine(nil, []string{"en"})
	_, err := engine.AddCollection(&schema.Collection{
		Name: "articles",
		Fields: field.NewFields().
			Add("title", &field.Definition{Kind: field.Text, Required: true}),
	}, crud.Access{}, crud.Hooks{})
	require.NoError(t, err)

	store, err := storage.NewFSStorage(t.TempDir())
	require.NoError(t, err)

	return &Handlers{
		Engine:  engine,
		Storage: store,
		Signer:  storage.NewSigner("test-secret"),
		RPC:     NewRPCRegistry(),
	}
}

func request(e *echo.Echo, method, target string, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestErrorHandlerSerialisesTypedErrors(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.GET("/boom", func(c echo.Context) error {
		return common.NotFound("article", "a1")
	})
	e.GET("/invalid", func(c echo.Context) error {
		return common.ValidationFailed([]common.FieldError{{Field: "title", Rule: "required", Message: "required"}})
	})

	rec := request(e, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NotFound", body["kind"])

	rec = request(e, http.MethodGet, "/invalid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Validation", body["kind"])
	assert.NotEmpty(t, body["fieldErrors"])
}

func TestErrorHandlerHidesInternalDetails(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.GET("/oops", func(c echo.Context) error {
		return common.Internalf(assert.AnError, "connection pool exhausted on node %s", "db-7")
	})

	rec := request(e, http.MethodGet, "/oops", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal", body["kind"])
	assert.Equal(t, "internal error", body["message"], "internals never leak to clients")
}

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret")
	token, err := svc.GenerateToken(&crud.Session{
		UserID: "u1",
		Email:  "u1@example.com",
		Roles:  []string{"admin", "editor"},
	}, time.Hour)
	require.NoError(t, err)

	session, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", session.UserID)
	assert.Equal(t, "u1@example.com", session.Email)
	assert.Equal(t, []string{"admin", "editor"}, session.Roles)

	_, err = NewJWTService("other").ValidateToken(token)
	require.Error(t, err)
}

func TestSessionMiddleware(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "secret"
	e := New(cfg, testHandlers(t))
	e.GET("/whoami", func(c echo.Context) error {
		session := crud.SessionFrom(c.Request().Context())
		if session == nil {
			return c.JSON(http.StatusOK, map[string]string{"user": ""})
		}
		return c.JSON(http.StatusOK, map[string]string{"user": session.UserID})
	})

	token, err := NewJWTService("secret").GenerateToken(&crud.Session{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	rec := request(e, http.MethodGet, "/whoami", "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":"u1"`)

	// No token: anonymous, not rejected.
	rec = request(e, http.MethodGet, "/whoami", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":""`)

	// Garbage token: rejected.
	rec = request(e, http.MethodGet, "/whoami", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSchemaEndpoint(t *testing.T) {
	e := New(DefaultConfig(), testHandlers(t))

	rec := request(e, http.MethodGet, "/cms/collections/articles/schema", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.NotEmpty(t, meta)

	rec = request(e, http.MethodGet, "/cms/collections/missing/schema", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeFileWithSignedToken(t *testing.T) {
	h := testHandlers(t)
	h.SignedFilesOnly = true
	require.NoError(t, h.Storage.Put(context.Background(), "docs/a.txt", strings.NewReader("file-body"), "text/plain"))
	e := New(DefaultConfig(), h)

	// No token: forbidden.
	rec := request(e, http.MethodGet, "/cms/storage/files/docs/a.txt", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	token, err := h.Signer.SignURL("docs/a.txt", time.Now().Add(time.Hour))
	require.NoError(t, err)
	rec = request(e, http.MethodGet, "/cms/storage/files/docs/a.txt?token="+token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "file-body", rec.Body.String())

	// Token for one key never serves another.
	require.NoError(t, h.Storage.Put(context.Background(), "docs/b.txt", strings.NewReader("other"), "text/plain"))
	rec = request(e, http.MethodGet, "/cms/storage/files/docs/b.txt?token="+token, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRPCEndpoint(t *testing.T) {
	h := testHandlers(t)
	require.NoError(t, h.RPC.Register(&RPCDefinition{
		Name:   "echo-title",
		Schema: field.NewFields().Add("title", &field.Definition{Kind: field.Text, Required: true}),
		Handler: func(_ context.Context, input map[string]any) (any, error) {
			return input["title"], nil
		},
	}))
	e := New(DefaultConfig(), h)

	rec := request(e, http.MethodPost, "/cms/rpc/echo-title", `{"title":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":"hi"`)

	rec = request(e, http.MethodPost, "/cms/rpc/echo-title", `{"bogus":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = request(e, http.MethodPost, "/cms/rpc/missing", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRPCRegistryValidation(t *testing.T) {
	reg := NewRPCRegistry()
	err := reg.Register(&RPCDefinition{Name: ""})
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	def := &RPCDefinition{Name: "fn", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}
	require.NoError(t, reg.Register(def))
	err = reg.Register(def)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

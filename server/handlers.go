package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/realtime"
	"github.com/stratacms/strata/search"
	"github.com/stratacms/strata/storage"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Handlers binds the engine and its satellites to the HTTP surface.
type Handlers struct {
	Engine   *crud.Engine
	Realtime *realtime.Handler
	Search   *search.Service
	Uploader *storage.Uploader
	Storage  storage.Storage
	Signer   *storage.Signer
	RPC      *RPCRegistry

	// SignedFilesOnly requires a valid token on every file read.
	SignedFilesOnly bool
}

// Register mounts the route table on a group.
func (h *Handlers) Register(g *echo.Group) {
	g.Use(h.localeMiddleware)

	g.GET("/collections/:collection", h.find)
	g.GET("/collections/:collection/count", h.count)
	g.GET("/collections/:collection/schema", h.schema)
	g.POST("/collections/:collection", h.create)
	g.GET("/collections/:collection/:id", h.findOne)
	g.PATCH("/collections/:collection/:id", h.update)
	g.DELETE("/collections/:collection/:id", h.delete)
	g.POST("/collections/:collection/:id/restore", h.restore)
	g.GET("/collections/:collection/:id/versions", h.versions)
	g.POST("/collections/:collection/:id/revert", h.revert)
	g.POST("/collections/:collection/:id/transition", h.transition)

	g.GET("/globals/:global", h.globalGet)
	g.PATCH("/globals/:global", h.globalUpdate)
	g.GET("/globals/:global/versions", h.globalVersions)

	if h.Realtime != nil {
		g.POST("/realtime", h.Realtime.Serve)
	}
	if h.Search != nil {
		g.POST("/search", h.search)
		g.POST("/search/reindex/:collection", h.reindex)
	}
	if h.Uploader != nil {
		g.POST("/storage/upload/:collection", h.upload)
	}
	if h.Storage != nil {
		g.GET("/storage/files/*", h.serveFile)
	}
	if h.RPC != nil {
		g.POST("/rpc/:fn", h.rpc)
	}
}

// localeMiddleware moves the locale query parameters into the request
// context, so CRUD operations and error localisation see them.
func (h *Handlers) localeMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		locale := c.QueryParam("locale")
		fallback := c.QueryParam("fallback") != "false"
		if locale != "" || !fallback {
			ctx := crud.WithLocale(c.Request().Context(), locale, fallback)
			c.SetRequest(c.Request().WithContext(ctx))
		}
		return next(c)
	}
}

func (h *Handlers) collection(c echo.Context) (*crud.Service, error) {
	return h.Engine.Collection(c.Param("collection"))
}

// findOptions decodes the list parameters shared by find and count.
func findOptions(c echo.Context) (*crud.FindOptions, error) {
	where, err := query.ParseWhere(c.QueryParam("where"))
	if err != nil {
		return nil, err
	}
	opts := &crud.FindOptions{
		Where:          where,
		OrderBy:        query.ParseOrder(c.QueryParam("sort")),
		Limit:          query.ParseLimit(c.QueryParam("limit"), defaultPageSize, maxPageSize),
		Offset:         query.ParseOffset(c.QueryParam("offset")),
		Stage:          c.QueryParam("stage"),
		IncludeDeleted: c.QueryParam("includeDeleted") == "true",
	}
	if raw := c.QueryParam("with"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.With); err != nil {
			return nil, common.E(common.KindBadRequest, "invalid with parameter")
		}
	}
	return opts, nil
}

func (h *Handlers) find(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	opts, err := findOptions(c)
	if err != nil {
		return err
	}
	result, err := svc.Find(c.Request().Context(), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) count(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	where, err := query.ParseWhere(c.QueryParam("where"))
	if err != nil {
		return err
	}
	total, err := svc.Count(c.Request().Context(), where)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"total": total})
}

func (h *Handlers) schema(c echo.Context) error {
	col, ok := h.Engine.Compiled(c.Param("collection"))
	if !ok {
		return common.NotFound("collection", c.Param("collection"))
	}
	return c.JSON(http.StatusOK, col.Compiled.Metadata())
}

func (h *Handlers) create(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	input, err := bindBody(c)
	if err != nil {
		return err
	}
	record, err := svc.Create(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, record)
}

func (h *Handlers) findOne(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	var with crud.With
	if raw := c.QueryParam("with"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &with); err != nil {
			return common.E(common.KindBadRequest, "invalid with parameter")
		}
	}
	record, err := svc.FindByID(c.Request().Context(), c.Param("id"), with)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) update(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	input, err := bindBody(c)
	if err != nil {
		return err
	}
	record, err := svc.UpdateByID(c.Request().Context(), c.Param("id"), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) delete(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	id, err := svc.DeleteByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id})
}

func (h *Handlers) restore(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	record, err := svc.Restore(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) versions(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	versions, err := svc.FindVersions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": versions})
}

func (h *Handlers) revert(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	var req struct {
		VersionNumber int `json:"versionNumber"`
	}
	if err := c.Bind(&req); err != nil || req.VersionNumber <= 0 {
		return common.E(common.KindBadRequest, "versionNumber is required")
	}
	record, err := svc.RevertToVersion(c.Request().Context(), c.Param("id"), req.VersionNumber)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) transition(c echo.Context) error {
	svc, err := h.collection(c)
	if err != nil {
		return err
	}
	var req struct {
		Stage       string     `json:"stage"`
		ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	}
	if err := c.Bind(&req); err != nil || req.Stage == "" {
		return common.E(common.KindBadRequest, "stage is required")
	}
	record, err := svc.TransitionStage(c.Request().Context(), c.Param("id"), req.Stage, req.ScheduledAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) globalGet(c echo.Context) error {
	g, err := h.Engine.Global(c.Param("global"))
	if err != nil {
		return err
	}
	record, err := g.Get(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) globalUpdate(c echo.Context) error {
	g, err := h.Engine.Global(c.Param("global"))
	if err != nil {
		return err
	}
	input, err := bindBody(c)
	if err != nil {
		return err
	}
	record, err := g.Update(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handlers) globalVersions(c echo.Context) error {
	g, err := h.Engine.Global(c.Param("global"))
	if err != nil {
		return err
	}
	versions, err := g.Versions(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": versions})
}

func (h *Handlers) search(c echo.Context) error {
	var req search.Request
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindBadRequest, "invalid search request")
	}
	result, err := h.Search.Search(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) reindex(c echo.Context) error {
	count, err := h.Search.Reindex(c.Request().Context(), c.Param("collection"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"indexed": count})
}

func (h *Handlers) upload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return common.E(common.KindBadRequest, "multipart field %q is required", "file")
	}
	body, err := file.Open()
	if err != nil {
		return common.Internalf(err, "upload read failed")
	}
	defer body.Close()

	fields := map[string]any{}
	if raw := c.FormValue("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return common.E(common.KindBadRequest, "invalid data field")
		}
	}
	record, err := h.Uploader.Upload(c.Request().Context(), c.Param("collection"), &storage.Upload{
		Filename:    file.Filename,
		ContentType: file.Header.Get(echo.HeaderContentType),
		Size:        file.Size,
		Body:        body,
		Fields:      fields,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, record)
}

func (h *Handlers) serveFile(c echo.Context) error {
	key := c.Param("*")
	if token := c.QueryParam("token"); token != "" {
		signedKey, err := h.Signer.VerifyURL(token, time.Now())
		if err != nil {
			return err
		}
		if signedKey != key {
			return common.Forbidden("read", "file")
		}
	} else if h.SignedFilesOnly {
		return common.Forbidden("read", "file")
	}

	body, info, err := h.Storage.Get(c.Request().Context(), key)
	if err != nil {
		return err
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	if info.Size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	}
	return c.Stream(http.StatusOK, contentType, body)
}

func (h *Handlers) rpc(c echo.Context) error {
	input, err := bindBody(c)
	if err != nil {
		return err
	}
	result, err := h.RPC.Call(c.Request().Context(), c.Param("fn"), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}

// bindBody decodes a JSON object body; an empty body yields an empty map.
func bindBody(c echo.Context) (map[string]any, error) {
	input := map[string]any{}
	if c.Request().ContentLength == 0 {
		return input, nil
	}
	if err := c.Bind(&input); err != nil {
		return nil, common.E(common.KindBadRequest, "invalid JSON body")
	}
	return input, nil
}

package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dskow/kongjwt/internal/apierror"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/middleware"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// AdminOptions configures the fake Admin API.
type AdminOptions struct {
	// AdminToken, when set, must be presented in the Kong-Admin-Token header.
	AdminToken string
	// PageSize is the default page size when the client sends no size
	// parameter (default 100, as in Kong).
	PageSize int
	// Metrics serves the Prometheus registry on GET /metrics, where Kong's
	// prometheus plugin exposes it.
	Metrics bool
}

type consumerJSON struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	CustomID  *string  `json:"custom_id"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"created_at"`
}

type credentialJSON struct {
	ID        string   `json:"id"`
	Key       string   `json:"key"`
	Secret    string   `json:"secret"`
	Algorithm string   `json:"algorithm"`
	Consumer  idJSON   `json:"consumer"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"created_at"`
}

type idJSON struct {
	ID string `json:"id"`
}

type pageJSON struct {
	Data interface{} `json:"data"`
	Next *string     `json:"next"`
}

// NewAdminHandler returns the fake Admin API for store.
func NewAdminHandler(store *Store, opts AdminOptions, logger *slog.Logger) http.Handler {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	a := &admin{store: store, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /consumers", a.listConsumers)
	mux.HandleFunc("GET /consumers/{consumer}", a.getConsumer)
	mux.HandleFunc("GET /consumers/{consumer}/jwt", a.listCredentials)
	if opts.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, apierror.MsgNotFound)
	})

	var h http.Handler = a.requireToken(mux)
	h = middleware.Logging(logger, nil)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(logger)(h)
	return h
}

type admin struct {
	store *Store
	opts  AdminOptions
}

func (a *admin) requireToken(next http.Handler) http.Handler {
	if a.opts.AdminToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Kong-Admin-Token") != a.opts.AdminToken {
			apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken,
				"Invalid credentials. Token or User credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *admin) listConsumers(w http.ResponseWriter, r *http.Request) {
	consumers := a.store.Consumers()
	out := make([]consumerJSON, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, toConsumerJSON(c))
	}
	writePage(w, r, a.opts.PageSize, out)
}

func (a *admin) getConsumer(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.Consumer(r.PathValue("consumer"))
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, apierror.MsgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toConsumerJSON(c))
}

func (a *admin) listCredentials(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.Consumer(r.PathValue("consumer"))
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, apierror.MsgNotFound)
		return
	}
	out := make([]credentialJSON, 0, len(c.JWT))
	for _, cred := range c.JWT {
		out = append(out, credentialJSON{
			ID:        cred.ID,
			Key:       cred.Key,
			Secret:    cred.Secret,
			Algorithm: cred.Algorithm,
			Consumer:  idJSON{ID: c.ID},
			Tags:      cred.Tags,
			CreatedAt: cred.CreatedAt,
		})
	}
	writePage(w, r, a.opts.PageSize, out)
}

// writePage slices items by the size and offset query parameters and sets
// next the way Kong does: a root-relative link, or null on the last page.
func writePage[T any](w http.ResponseWriter, r *http.Request, pageSize int, items []T) {
	size := pageSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest,
				fmt.Sprintf("size must be an integer between 1 and %d", maxPageSize))
			return
		}
		size = n
	}

	start := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := decodeOffset(raw)
		if err != nil || n < 0 || n > len(items) {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "invalid offset")
			return
		}
		start = n
	}

	end := start + size
	if end > len(items) {
		end = len(items)
	}

	resp := pageJSON{Data: items[start:end]}
	if end < len(items) {
		q := r.URL.Query()
		q.Set("offset", encodeOffset(end))
		if r.URL.Query().Get("size") != "" {
			q.Set("size", strconv.Itoa(size))
		}
		next := r.URL.Path + "?" + q.Encode()
		resp.Next = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// Offsets are opaque to clients, as in Kong.
func encodeOffset(n int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(n)))
}

func decodeOffset(s string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

func toConsumerJSON(c FixtureConsumer) consumerJSON {
	out := consumerJSON{
		ID:        c.ID,
		Username:  c.Username,
		Tags:      c.Tags,
		CreatedAt: c.CreatedAt,
	}
	if c.CustomID != "" {
		id := c.CustomID
		out.CustomID = &id
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

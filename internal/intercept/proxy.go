package intercept

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxEntryBody = 1 << 20

// Resolver maps an instance id to its interceptor.
type Resolver func(instanceID string) (*Interceptor, error)

// Proxy forwards /bots/{id}/... to the bot's API, running entries through
// the interceptor first.
type Proxy struct {
	resolve Resolver
}

func NewProxy(resolve Resolver) *Proxy {
	return &Proxy{resolve: resolve}
}

// Register mounts the proxy routes on r.
func (p *Proxy) Register(r *mux.Router) {
	s := r.PathPrefix("/bots/{id}").Subrouter()
	s.HandleFunc("/api/v1/forceenter", p.handleEntry).Methods(http.MethodPost)
	s.HandleFunc("/api/v1/forcebuy", p.handleEntry).Methods(http.MethodPost)
	s.HandleFunc("/api/v1/balance", p.handleQuery).Methods(http.MethodGet)
	s.HandleFunc("/api/v1/profit", p.handleQuery).Methods(http.MethodGet)
	s.PathPrefix("/").HandlerFunc(p.handlePass)
}

func (p *Proxy) handleEntry(w http.ResponseWriter, r *http.Request) {
	ic, ok := p.lookup(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEntryBody))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var fields map[string]jsoniter.RawMessage
	var req EntryRequest
	if err := json.Unmarshal(raw, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.Pair == "" {
		writeError(w, http.StatusBadRequest, "pair is required")
		return
	}

	out, _, err := ic.Entry(r.Context(), req)
	if err != nil {
		if pv, ok := common.AsPolicyViolation(err); ok {
			writeViolation(w, pv)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, err := rewriteEntry(fields, req, out)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode rewritten entry, forwarding original")
		body = raw
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))

	rp := p.reverseProxy(ic, r)
	rp.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode < 300 {
			ic.Committed(resp.Request.Context(), out)
		}
		return nil
	}
	rp.ServeHTTP(w, r)
}

func (p *Proxy) handleQuery(w http.ResponseWriter, r *http.Request) {
	ic, ok := p.lookup(w, r)
	if !ok {
		return
	}
	ic.OnQuery()
	p.reverseProxy(ic, r).ServeHTTP(w, r)
}

func (p *Proxy) handlePass(w http.ResponseWriter, r *http.Request) {
	ic, ok := p.lookup(w, r)
	if !ok {
		return
	}
	p.reverseProxy(ic, r).ServeHTTP(w, r)
}

func (p *Proxy) lookup(w http.ResponseWriter, r *http.Request) (*Interceptor, bool) {
	id := mux.Vars(r)["id"]
	ic, err := p.resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if ic.Upstream() == nil {
		writeError(w, http.StatusBadGateway, "no upstream configured for "+id)
		return nil, false
	}
	return ic, true
}

func (p *Proxy) reverseProxy(ic *Interceptor, r *http.Request) *httputil.ReverseProxy {
	prefix := "/bots/" + mux.Vars(r)["id"]
	target := ic.Upstream()
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("instance", ic.InstanceID()).Msg("Bot unreachable")
			writeError(w, http.StatusBadGateway, "bot unreachable")
		},
	}
}

// rewriteEntry applies the interceptor's changes to the original JSON object
// and leaves every other field untouched.
func rewriteEntry(fields map[string]jsoniter.RawMessage, in, out EntryRequest) ([]byte, error) {
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = b
		return nil
	}
	if !sameFloat(in.StakeAmount, out.StakeAmount) && out.StakeAmount != nil {
		if err := set("stakeamount", *out.StakeAmount); err != nil {
			return nil, err
		}
	}
	if in.OrderType != out.OrderType && out.OrderType != "" {
		if err := set("ordertype", out.OrderType); err != nil {
			return nil, err
		}
	}
	if !sameFloat(in.Price, out.Price) {
		if out.Price == nil {
			delete(fields, "price")
		} else if err := set("price", *out.Price); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type errorBody struct {
	Error    string  `json:"error"`
	Code     string  `json:"code,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Detail   float64 `json:"detail,omitempty"`
	ResumeAt *string `json:"resumeAt,omitempty"`
}

func writeViolation(w http.ResponseWriter, pv *common.PolicyViolation) {
	body := errorBody{Error: "entry blocked by risk policy", Code: pv.Code, Reason: pv.Reason, Detail: pv.Detail}
	if pv.ResumeAt != nil {
		s := pv.ResumeAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		body.ResumeAt = &s
	}
	writeJSON(w, http.StatusForbidden, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

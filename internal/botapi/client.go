// Package botapi is the client for a trading bot's REST control API.
package botapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRejected is a 4xx reply other than an auth failure, e.g. an unknown pair.
var ErrRejected = errors.New("request rejected by bot")

const (
	apiPrefix      = "/api/v1"
	tokenSkew      = 30 * time.Second
	defaultTokenTT = 15 * time.Minute
)

// MetricsInterface is the subset of metrics the client reports to.
type MetricsInterface interface {
	UpstreamErrorInc(kind string)
}

type Options struct {
	BaseURL      string
	Username     string
	Password     string
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables
	RateBurst    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	FailureLimit int // consecutive auth failures before the cool-down starts
	Clock        clock.Clock
	Metrics      MetricsInterface
}

type Client struct {
	base, user, pass string
	rest             *resty.Client
	limiter          *rate.Limiter
	clock            clock.Clock
	metrics          MetricsInterface

	backoffBase, backoffMax time.Duration
	failureLimit            int

	mu           sync.Mutex
	token        string
	tokenExp     time.Time
	authFailures int
	coolUntil    time.Time
}

func New(o Options) *Client {
	r := resty.New()
	if o.Timeout > 0 {
		r.SetTimeout(o.Timeout)
	} else {
		r.SetTimeout(common.DefaultRESTTimeout)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = common.DefaultAuthBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = common.DefaultAuthBackoffMax
	}
	if o.FailureLimit <= 0 {
		o.FailureLimit = common.DefaultAuthFailureLimit
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if o.RateLimit > 0 {
		burst := o.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(o.RateLimit), burst)
	}
	return &Client{
		base:         o.BaseURL,
		user:         o.Username,
		pass:         o.Password,
		rest:         r,
		limiter:      limiter,
		clock:        o.Clock,
		metrics:      o.Metrics,
		backoffBase:  o.BackoffBase,
		backoffMax:   o.BackoffMax,
		failureLimit: o.FailureLimit,
	}
}

// CoolingDown reports whether auth calls are currently suppressed.
func (c *Client) CoolingDown() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Before(c.coolUntil), c.coolUntil
}

// Login obtains a fresh token unless a cached one is still valid.
func (c *Client) Login(ctx context.Context) (string, error) {
	c.mu.Lock()
	now := c.clock.Now()
	if now.Before(c.coolUntil) {
		until := c.coolUntil
		c.mu.Unlock()
		return "", fmt.Errorf("%w: cooling down until %s", common.ErrUpstreamAuth, until.Format(time.RFC3339))
	}
	if c.token != "" && now.Before(c.tokenExp.Add(-tokenSkew)) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBasicAuth(c.user, c.pass).
		Post(c.base + apiPrefix + "/token/login")
	if err != nil {
		c.observe("network")
		return "", fmt.Errorf("%w: login: %v", common.ErrUpstreamUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "", c.authFailed(code)
	case code >= 500:
		c.observe("server")
		return "", fmt.Errorf("%w: login: status %d", common.ErrUpstreamUnavailable, code)
	case code != http.StatusOK:
		return "", fmt.Errorf("%w: login: status %d: %s", ErrRejected, code, resp.String())
	}

	var lr loginResp
	if err := json.Unmarshal(resp.Body(), &lr); err != nil || lr.AccessToken == "" {
		c.observe("decode")
		return "", fmt.Errorf("%w: login: malformed reply", common.ErrUpstreamUnavailable)
	}

	c.mu.Lock()
	c.token = lr.AccessToken
	c.tokenExp = c.expiry(lr.AccessToken)
	c.authFailures = 0
	c.mu.Unlock()
	return lr.AccessToken, nil
}

// expiry reads exp from the token without verifying it; the bot is the only
// party that needs to trust the signature.
func (c *Client) expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return c.clock.Now().Add(defaultTokenTT)
}

// authFailed must be called without c.mu held.
func (c *Client) authFailed(code int) error {
	c.observe("auth")
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.authFailures++
	if over := c.authFailures - c.failureLimit; over >= 0 {
		wait := time.Duration(float64(c.backoffBase) * math.Pow(2, float64(over)))
		if wait > c.backoffMax || wait <= 0 {
			wait = c.backoffMax
		}
		c.coolUntil = c.clock.Now().Add(wait)
		log.Warn().
			Str("base", c.base).
			Int("failures", c.authFailures).
			Dur("cooldown", wait).
			Msg("Bot API authentication failing, backing off")
	}
	return fmt.Errorf("%w: status %d", common.ErrUpstreamAuth, code)
}

func (c *Client) observe(kind string) {
	if c.metrics != nil {
		c.metrics.UpstreamErrorInc(kind)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.Login(ctx)
		if err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
		}

		req := c.rest.R().SetContext(ctx).SetAuthToken(token)
		if query != nil {
			req.SetQueryParams(query)
		}
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, c.base+apiPrefix+path)
		if err != nil {
			c.observe("network")
			return fmt.Errorf("%w: %s %s: %v", common.ErrUpstreamUnavailable, method, path, err)
		}

		code := resp.StatusCode()
		if code == http.StatusUnauthorized {
			// the token may have been revoked; one fresh login before giving up
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			if attempt == 0 {
				continue
			}
			return c.authFailed(code)
		}
		if code >= 500 {
			c.observe("server")
			return fmt.Errorf("%w: %s %s: status %d", common.ErrUpstreamUnavailable, method, path, code)
		}
		if code >= 400 {
			return fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, path, code, resp.String())
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			c.observe("decode")
			return fmt.Errorf("%w: %s %s: decode: %v", common.ErrUpstreamUnavailable, method, path, err)
		}
		return nil
	}
}

func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var b Balance
	err := c.do(ctx, http.MethodGet, "/balance", nil, nil, &b)
	return b, err
}

// Status returns the open trades.
func (c *Client) Status(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &trades)
	return trades, err
}

func (c *Client) Profit(ctx context.Context) (Profit, error) {
	var p Profit
	err := c.do(ctx, http.MethodGet, "/profit", nil, nil, &p)
	return p, err
}

func (c *Client) Daily(ctx context.Context, days int) (Daily, error) {
	var d Daily
	err := c.do(ctx, http.MethodGet, "/daily", map[string]string{"timescale": strconv.Itoa(days)}, nil, &d)
	return d, err
}

// Ticker returns the last close of pair on the 1m timeframe.
func (c *Client) Ticker(ctx context.Context, pair string) (float64, error) {
	var cs candles
	q := map[string]string{"pair": pair, "timeframe": "1m", "limit": "1"}
	if err := c.do(ctx, http.MethodGet, "/pair_candles", q, nil, &cs); err != nil {
		return 0, err
	}
	col := -1
	for i, name := range cs.Columns {
		if name == "close" {
			col = i
			break
		}
	}
	if col < 0 || len(cs.Data) == 0 || len(cs.Data[len(cs.Data)-1]) <= col {
		return 0, fmt.Errorf("%w: no candle for %s", ErrRejected, pair)
	}
	switch v := cs.Data[len(cs.Data)-1][col].(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("%w: unexpected close %T for %s", ErrRejected, v, pair)
	}
}

// ForceEnter opens a position and returns the created trade.
func (c *Client) ForceEnter(ctx context.Context, req ForceEnter) (Trade, error) {
	var t Trade
	err := c.do(ctx, http.MethodPost, "/forceenter", nil, req, &t)
	return t, err
}

func (c *Client) ForceExit(ctx context.Context, req ForceExit) error {
	return c.do(ctx, http.MethodPost, "/forceexit", nil, req, nil)
}

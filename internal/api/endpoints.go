package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/serena/serena-cli/internal/models"
)

// Ping checks that the service answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(c.request(ctx), http.MethodGet, "/ping")
}

// Probe is a single ping attempt without retries.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.probe.R().SetContext(ctx).Get("/ping")
	return errorFromResponse(resp, err)
}

func (c *Client) Status(ctx context.Context) (*models.SystemStatus, error) {
	var out models.SystemStatus
	if err := c.do(c.request(ctx).SetResult(&out), http.MethodGet, "/status"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := c.do(c.request(ctx).SetResult(&out), http.MethodGet, "/devices")
	return out, err
}

func (c *Client) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var out models.Device
	req := c.request(ctx).SetPathParam("id", id).SetResult(&out)
	if err := c.do(req, http.MethodGet, "/devices/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateDevice(ctx context.Context, in models.DeviceCreate) (*models.Device, error) {
	var out models.Device
	if err := c.do(c.request(ctx).SetBody(in).SetResult(&out), http.MethodPost, "/devices"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateDevice(ctx context.Context, id string, in models.DeviceUpdate) (*models.Device, error) {
	var out models.Device
	req := c.request(ctx).SetPathParam("id", id).SetBody(in).SetResult(&out)
	if err := c.do(req, http.MethodPatch, "/devices/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeviceSessions(ctx context.Context, id string) ([]models.Session, error) {
	var out []models.Session
	err := c.do(c.request(ctx).SetPathParam("id", id).SetResult(&out), http.MethodGet, "/devices/{id}/sessions")
	return out, err
}

func (c *Client) ListSessions(ctx context.Context, q models.SessionQuery) ([]models.Session, error) {
	params := url.Values{}
	setString(params, "device_id", q.DeviceID)
	setString(params, "status", q.Status)
	setString(params, "start_date", q.StartDate)
	setString(params, "end_date", q.EndDate)
	setInt(params, "limit", int64(q.Limit))
	setInt(params, "skip", int64(q.Skip))

	var out []models.Session
	err := c.do(c.request(ctx).SetQueryParamsFromValues(params).SetResult(&out), http.MethodGet, "/sessions")
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var out models.Session
	if err := c.do(c.request(ctx).SetPathParam("id", id).SetResult(&out), http.MethodGet, "/sessions/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateSession(ctx context.Context, in models.SessionCreate) (*models.Session, error) {
	var out models.Session
	if err := c.do(c.request(ctx).SetBody(in).SetResult(&out), http.MethodPost, "/sessions"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateSession(ctx context.Context, id string, in models.SessionUpdate) (*models.Session, error) {
	var out models.Session
	req := c.request(ctx).SetPathParam("id", id).SetBody(in).SetResult(&out)
	if err := c.do(req, http.MethodPatch, "/sessions/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession marks a session completed.
func (c *Client) EndSession(ctx context.Context, id string) (*models.Session, error) {
	var out models.Session
	if err := c.do(c.request(ctx).SetPathParam("id", id).SetResult(&out), http.MethodPost, "/sessions/{id}/end"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSignals(ctx context.Context, q models.SignalQuery) ([]models.SignalRecord, error) {
	params := url.Values{}
	setString(params, "device_id", q.DeviceID)
	setString(params, "session_id", q.SessionID)
	setString(params, "signal", string(q.Signal))
	setInt(params, "start_ts", q.StartTS)
	setInt(params, "end_ts", q.EndTS)
	setInt(params, "limit", int64(q.Limit))
	setInt(params, "skip", int64(q.Skip))

	var out []models.SignalRecord
	err := c.do(c.request(ctx).SetQueryParamsFromValues(params).SetResult(&out), http.MethodGet, "/signals")
	return out, err
}

// RecentSignals returns the newest signals of a device. limit <= 0 asks
// for 100.
func (c *Client) RecentSignals(ctx context.Context, deviceID string, limit int) ([]models.SignalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	setString(params, "device_id", deviceID)
	setInt(params, "limit", int64(limit))

	var out []models.SignalRecord
	err := c.do(c.request(ctx).SetQueryParamsFromValues(params).SetResult(&out), http.MethodGet, "/signals/recent")
	return out, err
}

func (c *Client) GetSignal(ctx context.Context, id string) (*models.SignalRecord, error) {
	var out models.SignalRecord
	if err := c.do(c.request(ctx).SetPathParam("id", id).SetResult(&out), http.MethodGet, "/signals/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTechniques returns all techniques, or only those shown in the app.
func (c *Client) ListTechniques(ctx context.Context, publicOnly bool) (models.Techniques, error) {
	path := "/techniques"
	if publicOnly {
		path = "/techniques/public"
	}
	var out models.Techniques
	err := c.do(c.request(ctx).SetResult(&out), http.MethodGet, path)
	return out, err
}

func (c *Client) GetTechnique(ctx context.Context, name string) (*models.Technique, error) {
	var out models.Technique
	if err := c.do(c.request(ctx).SetPathParam("name", name).SetResult(&out), http.MethodGet, "/techniques/{name}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveTechnique creates or replaces a technique.
func (c *Client) SaveTechnique(ctx context.Context, in models.TechniqueCreate) (*models.Technique, error) {
	var out models.Technique
	if err := c.do(c.request(ctx).SetBody(in).SetResult(&out), http.MethodPost, "/techniques"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteTechnique(ctx context.Context, name string) error {
	return c.do(c.request(ctx).SetPathParam("name", name), http.MethodDelete, "/techniques/{name}")
}

func (c *Client) FeedbackRules(ctx context.Context) (*models.FeedbackRules, error) {
	var out models.FeedbackRules
	if err := c.do(c.request(ctx).SetResult(&out), http.MethodGet, "/feedback/rules"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateFeedbackRules(ctx context.Context, in models.FeedbackRules) (*models.FeedbackRules, error) {
	var out models.FeedbackRules
	if err := c.do(c.request(ctx).SetBody(in).SetResult(&out), http.MethodPost, "/feedback/rules"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListParameterSets(ctx context.Context) ([]models.ParameterSet, error) {
	var out []models.ParameterSet
	err := c.do(c.request(ctx).SetResult(&out), http.MethodGet, "/param_versions")
	return out, err
}

func (c *Client) GetParameterSet(ctx context.Context, version string) (*models.ParameterSet, error) {
	var out models.ParameterSet
	req := c.request(ctx).SetPathParam("version", version).SetResult(&out)
	if err := c.do(req, http.MethodGet, "/param_versions/{version}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func setString(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func setInt(v url.Values, key string, value int64) {
	if value != 0 {
		v.Set(key, strconv.FormatInt(value, 10))
	}
}

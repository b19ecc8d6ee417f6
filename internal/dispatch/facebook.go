package dispatch

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"postbot/internal/storage"
)

type FacebookConfig struct {
	GraphBase string // default https://graph.facebook.com
	Version   string // default v19.0
	HTTP      HTTPConfig
}

// Facebook publishes to a page or user feed through the Graph API.
type Facebook struct {
	cfg  FacebookConfig
	http *http.Client
}

func NewFacebook(cfg FacebookConfig, hc *http.Client) *Facebook {
	if cfg.GraphBase == "" {
		cfg.GraphBase = "https://graph.facebook.com"
	}
	if cfg.Version == "" {
		cfg.Version = "v19.0"
	}
	cfg.GraphBase = strings.TrimRight(cfg.GraphBase, "/")
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Facebook{cfg: cfg, http: hc}
}

func (f *Facebook) Platform() storage.Platform { return storage.PlatformFacebook }

func (f *Facebook) Post(ctx context.Context, acct storage.Account, msg Message) (Result, error) {
	if acct.AccessToken == "" {
		return Result{}, &ValidationError{Platform: "facebook", Reason: "account has no access token"}
	}
	target := acct.ExternalAccountID
	if target == "" {
		target = "me"
	}

	form := url.Values{}
	form.Set("message", msg.Content)
	if msg.Geo != nil && msg.Geo.PlaceID != "" {
		form.Set("place", msg.Geo.PlaceID)
	}
	if msg.MediaURL != "" {
		form.Set("link", msg.MediaURL)
	}
	form.Set("access_token", acct.AccessToken)

	postURL := f.cfg.GraphBase + "/" + f.cfg.Version + "/" + url.PathEscape(target) + "/feed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		ID string `json:"id"`
	}
	if err := doJSON(f.http, req, "facebook", "feed.create", &out); err != nil {
		return Result{}, err
	}
	return Result{ExternalID: out.ID}, nil
}

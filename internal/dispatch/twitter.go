package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dghubble/oauth1"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// TwitterMaxChars is the tweet length limit, counted in characters.
const TwitterMaxChars = 280

type TwitterConfig struct {
	APIBase        string // default https://api.twitter.com
	UploadBase     string // default https://upload.twitter.com
	ConsumerKey    string
	ConsumerSecret string
	MaxMediaBytes  int64
	HTTP           HTTPConfig
}

// Twitter posts tweets with the v2 API, signing requests with OAuth 1.0a user context.
type Twitter struct {
	cfg   TwitterConfig
	http  *http.Client
	media *http.Client
	log   logx.Logger
}

// NewTwitter builds the adapter. hc carries rate limiting and the circuit breaker;
// mediaClient downloads attachments and may be nil.
func NewTwitter(cfg TwitterConfig, hc, mediaClient *http.Client, log logx.Logger) *Twitter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.twitter.com"
	}
	if cfg.UploadBase == "" {
		cfg.UploadBase = "https://upload.twitter.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.UploadBase = strings.TrimRight(cfg.UploadBase, "/")
	if hc == nil {
		hc = http.DefaultClient
	}
	if mediaClient == nil {
		mediaClient = hc
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Twitter{cfg: cfg, http: hc, media: mediaClient, log: log}
}

func (t *Twitter) Platform() storage.Platform { return storage.PlatformTwitter }

func (t *Twitter) Post(ctx context.Context, acct storage.Account, msg Message) (Result, error) {
	if n := utf8.RuneCountInString(msg.Content); n > TwitterMaxChars {
		return Result{}, &ValidationError{Platform: "twitter", Reason: "tweet exceeds " + strconv.Itoa(TwitterMaxChars) + " characters (" + strconv.Itoa(n) + ")"}
	}
	if t.cfg.ConsumerKey == "" || t.cfg.ConsumerSecret == "" {
		return Result{}, ErrNotConfigured
	}
	hc := t.signedClient(ctx, acct)

	var mediaIDs []string
	if msg.MediaURL != "" {
		m, err := fetchMedia(ctx, t.media, "twitter", msg.MediaURL, t.cfg.MaxMediaBytes)
		if err != nil {
			return Result{}, permanent(err)
		}
		id, err := t.upload(ctx, hc, m)
		if err != nil {
			return Result{}, permanent(err)
		}
		mediaIDs = append(mediaIDs, id)
	}

	placeID := ""
	if msg.Geo != nil {
		placeID = msg.Geo.PlaceID
		if placeID == "" && msg.Geo.HasCoords() {
			id, err := t.reverseGeocode(ctx, hc, msg.Geo.Lat, msg.Geo.Lng)
			if err != nil {
				t.log.Warn("twitter place lookup failed; posting without geo", logx.Err(err))
			}
			placeID = id
		}
	}

	return t.createTweet(ctx, hc, msg.Content, mediaIDs, placeID)
}

func (t *Twitter) signedClient(ctx context.Context, acct storage.Account) *http.Client {
	conf := oauth1.NewConfig(t.cfg.ConsumerKey, t.cfg.ConsumerSecret)
	token := oauth1.NewToken(acct.AccessToken, acct.AccessTokenSecret)
	// oauth1 layers its signer over the client found in ctx.
	return conf.Client(context.WithValue(ctx, oauth1.HTTPClient, t.http), token)
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
	Geo   *tweetGeo   `json:"geo,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetGeo struct {
	PlaceID string `json:"place_id"`
}

func (t *Twitter) createTweet(ctx context.Context, hc *http.Client, text string, mediaIDs []string, placeID string) (Result, error) {
	body := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		body.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	if placeID != "" {
		body.Geo = &tweetGeo{PlaceID: placeID}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIBase+"/2/tweets", bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(hc, req, "twitter", "tweet.create", &out); err != nil {
		return Result{}, err
	}
	return Result{ExternalID: out.Data.ID}, nil
}

func (t *Twitter) upload(ctx context.Context, hc *http.Client, m media) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="media"; filename="`+m.Filename+`"`)
	h.Set("Content-Type", m.MIME)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(m.Data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.UploadBase+"/1.1/media/upload.json", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := doJSON(hc, req, "twitter", "media.upload", &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", &DeliveryError{Platform: "twitter", Op: "media.upload", Message: "empty media id"}
	}
	return out.MediaIDString, nil
}

func (t *Twitter) reverseGeocode(ctx context.Context, hc *http.Client, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("long", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("max_results", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.APIBase+"/1.1/geo/reverse_geocode.json?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Result struct {
			Places []struct {
				ID string `json:"id"`
			} `json:"places"`
		} `json:"result"`
	}
	if err := doJSON(hc, req, "twitter", "geo.reverse_geocode", &out); err != nil {
		return "", err
	}
	if len(out.Result.Places) == 0 {
		return "", nil
	}
	return out.Result.Places[0].ID, nil
}

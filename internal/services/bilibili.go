// Bilibili favorites [Service] implementation
//
// Talks to the public web API with the session cookies of a logged-in browser.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

const (
	defaultBilibiliBaseURL = "https://api.bilibili.com"
	defaultPageSize        = 20
	bilibiliReferer        = "https://www.bilibili.com"

	navPath          = "/x/web-interface/nav"
	folderListPath   = "/x/v3/fav/folder/created/list-all"
	resourceListPath = "/x/v3/fav/resource/list"
)

// Response codes of the web API that map to sentinel errors.
const (
	codeOK          = 0
	codeNotLoggedIn = -101
	codeRiskControl = -352
	codeRateLimited = -412
	codeNotFound    = -404
)

type bilibiliEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type bilibiliNav struct {
	IsLogin bool   `json:"isLogin"`
	Mid     int64  `json:"mid"`
	Uname   string `json:"uname"`
}

type bilibiliFolder struct {
	ID         int64  `json:"id"`
	Fid        int64  `json:"fid"`
	Mid        int64  `json:"mid"`
	Title      string `json:"title"`
	MediaCount int    `json:"media_count"`
}

type bilibiliFolderList struct {
	Count int              `json:"count"`
	List  []bilibiliFolder `json:"list"`
}

type bilibiliResourceList struct {
	Info struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
		Cover string `json:"cover"`
		Intro string `json:"intro"`
	} `json:"info"`
	Medias  []models.RemoteItem `json:"medias"`
	HasMore bool                `json:"has_more"`
}

// Account is the logged-in user reported by the nav endpoint.
type Account struct {
	Mid  int64
	Name string
}

var _ Service = (*BilibiliService)(nil)

// BilibiliService implements [Service] for Bilibili favorites.
type BilibiliService struct {
	api      *APIService
	userID   string
	pageSize int
	limiter  *rate.Limiter
	logger   *log.Logger
}

// NewBilibiliService creates a service from the credentials section of the config.
//
// delay is the minimum spacing between requests; zero disables pacing.
func NewBilibiliService(cfg shared.BilibiliConfig, pageSize int, delay time.Duration, client *http.Client, logger *log.Logger) *BilibiliService {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBilibiliBaseURL
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	api := NewAPIService(baseURL, client)
	api.SetHeader("Referer", bilibiliReferer)
	api.SetHeader("User-Agent", cfg.UserAgent)
	api.SetCookie("SESSDATA", cfg.SessData)
	api.SetCookie("bili_jct", cfg.BiliJct)
	api.SetCookie("DedeUserID", cfg.UserID)

	return &BilibiliService{
		api:      api,
		userID:   cfg.UserID,
		pageSize: pageSize,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   shared.WithLogger(logger, "service", "bilibili"),
	}
}

// Name returns the service name.
func (b *BilibiliService) Name() string {
	return "Bilibili"
}

// Authenticate replaces the session cookies and verifies them against the nav endpoint.
//
// Expects credentials["sessdata"]; "bili_jct" and "user_id" are optional. A missing user id is
// filled in from the logged-in account.
func (b *BilibiliService) Authenticate(ctx context.Context, credentials map[string]string) error {
	sessdata := credentials["sessdata"]
	if sessdata == "" {
		return fmt.Errorf("%w: missing sessdata in credentials", shared.ErrMissingCredentials)
	}
	b.api.SetCookie("SESSDATA", sessdata)
	b.api.SetCookie("bili_jct", credentials["bili_jct"])
	if id := credentials["user_id"]; id != "" {
		b.userID = id
		b.api.SetCookie("DedeUserID", id)
	}

	account, err := b.Whoami(ctx)
	if err != nil {
		return err
	}
	if b.userID == "" {
		b.userID = strconv.FormatInt(account.Mid, 10)
	}
	b.logger.Info("Authenticated", "user", account.Name, "mid", account.Mid)
	return nil
}

// UserID returns the account whose folders are listed.
func (b *BilibiliService) UserID() string {
	return b.userID
}

// Whoami returns the account the session cookies belong to.
func (b *BilibiliService) Whoami(ctx context.Context) (*Account, error) {
	var nav bilibiliNav
	if err := b.get(ctx, navPath, nil, &nav); err != nil {
		return nil, err
	}
	if !nav.IsLogin {
		return nil, fmt.Errorf("%w: session is not logged in", shared.ErrMissingCredentials)
	}
	return &Account{Mid: nav.Mid, Name: nav.Uname}, nil
}

// FetchCollectionList lists the favorites folders created by the user.
func (b *BilibiliService) FetchCollectionList(ctx context.Context) ([]models.RemoteCollection, error) {
	if b.userID == "" {
		return nil, fmt.Errorf("%w: user id is not configured", shared.ErrMissingCredentials)
	}

	var data bilibiliFolderList
	if err := b.get(ctx, folderListPath, url.Values{"up_mid": {b.userID}}, &data); err != nil {
		return nil, err
	}

	collections := make([]models.RemoteCollection, 0, len(data.List))
	for _, f := range data.List {
		collections = append(collections, models.RemoteCollection{
			ID:         strconv.FormatInt(f.ID, 10),
			Title:      f.Title,
			MediaCount: f.MediaCount,
		})
	}
	b.logger.Debug("Fetched folder list", "count", len(collections))
	return collections, nil
}

// FetchPage returns one page of a folder. Pages are 1-based.
func (b *BilibiliService) FetchPage(ctx context.Context, collectionID string, page int) (*models.RemotePage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page %d", shared.ErrInvalidInput, page)
	}

	query := url.Values{
		"media_id": {collectionID},
		"pn":       {strconv.Itoa(page)},
		"ps":       {strconv.Itoa(b.pageSize)},
		"platform": {"web"},
	}

	var data bilibiliResourceList
	if err := b.get(ctx, resourceListPath, query, &data); err != nil {
		if errors.Is(err, errRemoteNotFound) {
			return nil, fmt.Errorf("%w: %s", shared.ErrCollectionNotFound, collectionID)
		}
		return nil, err
	}

	items := data.Medias
	if items == nil {
		items = []models.RemoteItem{}
	}
	return &models.RemotePage{Items: items, HasMore: data.HasMore}, nil
}

// Raw performs a paced GET with the session cookies and returns the response without
// unwrapping the envelope. Used to inspect endpoints by hand.
func (b *BilibiliService) Raw(ctx context.Context, path string) (*APIResponse, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.api.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	return resp, nil
}

var errRemoteNotFound = errors.New("remote resource not found")

// get performs a paced GET and unwraps the {code, message, data} envelope into out.
func (b *BilibiliService) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := b.api.Get(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", shared.ErrProviderRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", shared.ErrServiceUnavailable, resp.StatusCode)
	case !resp.OK():
		return fmt.Errorf("%w: status %d", shared.ErrAPIRequest, resp.StatusCode)
	}

	var envelope bilibiliEnvelope
	if err := resp.Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUnexpectedResponse, err)
	}

	switch envelope.Code {
	case codeOK:
		if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: %s: %v", shared.ErrUnexpectedResponse, path, err)
		}
		return nil
	case codeNotLoggedIn:
		return fmt.Errorf("%w: %s", shared.ErrMissingCredentials, envelope.Message)
	case codeRiskControl, codeRateLimited:
		return fmt.Errorf("%w: code %d: %s", shared.ErrProviderRateLimited, envelope.Code, envelope.Message)
	case codeNotFound:
		return fmt.Errorf("%w: %s", errRemoteNotFound, envelope.Message)
	default:
		return fmt.Errorf("%w: code %d: %s", shared.ErrAPIRequest, envelope.Code, envelope.Message)
	}
}

package models

import (
	"strings"
	"time"
)

// UnavailableTitle is the title the provider substitutes for videos that were taken down.
const UnavailableTitle = "已失效视频"

// Deletion reasons recorded in [DeletionLog] and [VideoChange].
const (
	ReasonRemovedFromSource = "no longer present in source list"
	ReasonMarkedUnavailable = "marked unavailable by source"
)

// unavailableAttrs are the provider attr flags meaning the video is gone for good.
var unavailableAttrs = map[int]bool{1: true, 9: true}

// RemoteCollection is a favorites folder as listed by the provider.
type RemoteCollection struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Intro      string `json:"intro,omitempty"`
	Cover      string `json:"cover,omitempty"`
	MediaCount int    `json:"media_count"`
}

// RemoteUploader is the owner block embedded in a [RemoteItem].
type RemoteUploader struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

// RemoteItem is one favorited video as returned by the provider's resource list.
type RemoteItem struct {
	ID       int64          `json:"id"`
	Type     int            `json:"type"`
	BVID     string         `json:"bvid"`
	Title    string         `json:"title"`
	Cover    string         `json:"cover"`
	Intro    string         `json:"intro"`
	Page     int            `json:"page"`
	Duration int            `json:"duration"`
	Upper    RemoteUploader `json:"upper"`
	Attr     int            `json:"attr"`
	Ctime    int64          `json:"ctime"`
	Pubtime  int64          `json:"pubtime"`
	FavTime  int64          `json:"fav_time"`
}

// IsUnavailable reports whether the provider marked the item as permanently unavailable.
func (i RemoteItem) IsUnavailable() bool {
	return i.Title == UnavailableTitle || unavailableAttrs[i.Attr]
}

// FavoritedAt returns the favorite timestamp, or nil when the provider did not send one.
func (i RemoteItem) FavoritedAt() *time.Time {
	return unixPtr(i.FavTime)
}

// PublishedAt returns the publish timestamp, or nil when the provider did not send one.
func (i RemoteItem) PublishedAt() *time.Time {
	return unixPtr(i.Pubtime)
}

// RemotePage is a single page of a collection listing.
type RemotePage struct {
	Items   []RemoteItem `json:"items"`
	HasMore bool         `json:"has_more"`
}

// Collection is a mirrored favorites folder.
type Collection struct {
	ID         string
	RemoteID   string
	Title      string
	Intro      string
	CoverURL   string
	MediaCount int
	LastSynced *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate implements [Model].
func (c *Collection) Validate() error {
	if c.RemoteID == "" {
		return invalid("collection remote id is required")
	}
	if strings.TrimSpace(c.Title) == "" {
		return invalid("collection %s has no title", c.RemoteID)
	}
	return nil
}

// Uploader is the owner of one or more videos.
type Uploader struct {
	MID       int64
	Name      string
	FaceURL   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate implements [Model].
func (u *Uploader) Validate() error {
	if u.MID <= 0 {
		return invalid("uploader mid must be positive")
	}
	return nil
}

// Video is a catalog entry keyed by its global bvid.
type Video struct {
	ID             string
	BVID           string
	RemoteID       int64
	Title          string
	Intro          string
	CoverURL       string
	LocalCoverPath string
	LocalCoverURL  string // cover URL the local file was downloaded from
	UploaderMID    int64
	UploaderName   string
	Duration       int
	PageCount      int
	Attr           int
	PublishedAt    *time.Time
	IsDeleted      bool
	DeletedAt      *time.Time
	LastSeen       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate implements [Model].
func (v *Video) Validate() error {
	if v.BVID == "" {
		return invalid("video bvid is required")
	}
	return nil
}

// NeedsCover reports whether the cover should be (re)downloaded.
func (v *Video) NeedsCover(force bool) bool {
	if v.IsDeleted || v.CoverURL == "" {
		return false
	}
	if force {
		return true
	}
	return v.LocalCoverPath == "" || v.LocalCoverURL != v.CoverURL
}

// Membership links a video to a collection.
type Membership struct {
	CollectionID string
	VideoID      string
	BVID         string // joined from videos, read only
	FavTime      *time.Time
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Validate implements [Model].
func (m *Membership) Validate() error {
	if m.CollectionID == "" || m.VideoID == "" {
		return invalid("membership requires collection and video ids")
	}
	return nil
}

// DeletionLog is an audit record for a video leaving a collection or becoming unavailable.
type DeletionLog struct {
	ID              string
	VideoID         string
	BVID            string
	Title           string
	UploaderName    string
	CollectionID    string
	CollectionTitle string
	Reason          string
	DeletedAt       time.Time
}

// Validate implements [Model].
func (d *DeletionLog) Validate() error {
	if d.BVID == "" {
		return invalid("deletion log requires a bvid")
	}
	if d.Reason == "" {
		return invalid("deletion log for %s requires a reason", d.BVID)
	}
	return nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

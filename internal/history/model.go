// Package history maintains the per-day follower and engagement series of each platform.
package history

import (
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
)

// State tells whether a day may still be revised by automated syncs.
type State string

const (
	StateProvisional State = "provisional"
	StateFinal       State = "final"
)

// Source records which writer produced a snapshot.
type Source string

const (
	SourceLive    Source = "live"
	SourceReport  Source = "report"
	SourceForward Source = "forward"
	SourceManual  Source = "manual"
)

// Snapshot is one day of history. Count is cumulative; Views through Shares are that day's deltas;
// the Accumulated fields are the lifetime totals observed that day.
type Snapshot struct {
	ID                  uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	UserID              string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_history_user_platform_day,priority:1" json:"-"`
	Platform            string    `gorm:"column:platform;size:32;not null;uniqueIndex:idx_history_user_platform_day,priority:2" json:"platform"`
	Day                 string    `gorm:"column:day;size:10;not null;uniqueIndex:idx_history_user_platform_day,priority:3" json:"date"`
	Count               int64     `gorm:"column:count;not null;default:0" json:"count"`
	Views               int64     `gorm:"column:views;not null;default:0" json:"views"`
	Likes               int64     `gorm:"column:likes;not null;default:0" json:"likes"`
	Comments            int64     `gorm:"column:comments;not null;default:0" json:"comments"`
	Shares              int64     `gorm:"column:shares;not null;default:0" json:"shares"`
	ProfileViews        int64     `gorm:"column:profile_views;not null;default:0" json:"profile_views"`
	AccumulatedViews    int64     `gorm:"column:accumulated_views;not null;default:0" json:"-"`
	AccumulatedLikes    int64     `gorm:"column:accumulated_likes;not null;default:0" json:"-"`
	AccumulatedComments int64     `gorm:"column:accumulated_comments;not null;default:0" json:"-"`
	AccumulatedShares   int64     `gorm:"column:accumulated_shares;not null;default:0" json:"-"`
	AccumulatedObserved bool      `gorm:"column:accumulated_observed;not null;default:false" json:"-"`
	IsManual            bool      `gorm:"column:is_manual;not null;default:false" json:"is_manual"`
	State               string    `gorm:"column:state;size:16;not null" json:"state"`
	Source              string    `gorm:"column:source;size:16;not null" json:"source"`
	ObservedAt          time.Time `gorm:"column:observed_at;not null" json:"observed_at"`
	CreatedAt           time.Time `gorm:"column:created_at;not null" json:"-"`
	UpdatedAt           time.Time `gorm:"column:updated_at;not null" json:"-"`
}

func (Snapshot) TableName() string {
	return "follower_history"
}

// ParsedDay returns the snapshot day. Stored days are always valid.
func (s Snapshot) ParsedDay() calendar.Day {
	day, _ := calendar.ParseDay(s.Day)
	return day
}

// IsFinal reports whether the snapshot is confirmed.
func (s Snapshot) IsFinal() bool {
	return s.State == string(StateFinal)
}

// Accumulated is a set of lifetime engagement totals.
type Accumulated struct {
	Views    int64 `json:"views"`
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

func (s Snapshot) accumulated() Accumulated {
	return Accumulated{
		Views:    s.AccumulatedViews,
		Likes:    s.AccumulatedLikes,
		Comments: s.AccumulatedComments,
		Shares:   s.AccumulatedShares,
	}
}

func (s *Snapshot) setAccumulated(totals Accumulated) {
	s.AccumulatedViews = totals.Views
	s.AccumulatedLikes = totals.Likes
	s.AccumulatedComments = totals.Comments
	s.AccumulatedShares = totals.Shares
	s.AccumulatedObserved = true
}

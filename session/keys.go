package session

import "time"

// Cache key namespace. Preserved for compatibility with existing consumers;
// do not rename.
func sessionKey(id string) string { return "session:" + id }

func activeSessionKey(userID string) string { return "user:" + userID + ":active_session" }

func recentActivityKey(userID string) string { return "user:" + userID + ":recent_activity" }

func dailyActiveUsersKey(date string) string { return "daily_active_users:" + date }
func loginCountKey(date string) string       { return "login_count:" + date }

const (
	statsActivityCountsKey  = "stats:activity_counts"
	statsSessionDurationKey = "stats:session_duration"

	// lock resource guarding the running-mean read-modify-write
	sessionDurationLock = "stats:session_duration"
)

func dateOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

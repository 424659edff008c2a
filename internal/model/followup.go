package model

import "time"

// FollowUpStatus is the lifecycle state of a FollowUpJob.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCancelled FollowUpStatus = "cancelled"
	FollowUpFailed    FollowUpStatus = "failed"
	FollowUpProcessing FollowUpStatus = "processing"
)

// StageCount is the number of scripted stages before maintenance mode
// (13 scripted stages, 0-indexed, then recurring maintenance).
const StageCount = 14

// StageOffsetsHours is the monotone offsets from activation/last-activity,
// in hours, for stages 0..12. Stage 13 falls MaintenanceIntervalHours after
// the final scripted offset, and each later stage another
// MaintenanceIntervalHours after that.
var StageOffsetsHours = []int{1, 24, 48, 96, 168, 240, 336, 432, 624, 864, 1104, 1344, 1584}

// MaintenanceIntervalHours is the recurring cadence once maintenance mode
// is reached (15 days).
const MaintenanceIntervalHours = 360

// StageOffset returns the offset, in hours, from activation for a stage
// index, folding any stage beyond the scripted list into the maintenance
// cadence.
func StageOffset(stage int) time.Duration {
	if stage < len(StageOffsetsHours) {
		return time.Duration(StageOffsetsHours[stage]) * time.Hour
	}
	last := StageOffsetsHours[len(StageOffsetsHours)-1]
	extra := stage - len(StageOffsetsHours) + 1
	return time.Duration(last+extra*MaintenanceIntervalHours) * time.Hour
}

// IsMaintenanceStage reports whether stage has rolled into the recurring
// maintenance cadence (stage 13 and beyond).
func IsMaintenanceStage(stage int) bool {
	return stage >= len(StageOffsetsHours)
}

// FollowUpJob is a scheduled follow-up message for a user.
type FollowUpJob struct {
	JobID         string
	UserID        string
	StageIndex    int
	ScheduledFor  time.Time
	Status        FollowUpStatus
	Attempts      int
	ContextSnapshot Snapshot
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// MaxFollowUpAttempts bounds follow-up send retries.
const MaxFollowUpAttempts = 3

// FollowUpRateLimit caps one follow-up send per user per civil day.
type FollowUpRateLimit struct {
	UserID            string
	LastFollowupSentAt time.Time
	DailyCount        int
	ResetDate         time.Time
}

// DailyCap is the maximum follow-ups a user may receive per civil day.
const DailyCap = 1

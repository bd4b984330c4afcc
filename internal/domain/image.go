package domain

import "time"

// BuildStatus tracks an image build attempt.
type BuildStatus string

// Image build states.
const (
	BuildPending  BuildStatus = "pending"
	BuildBuilding BuildStatus = "building"
	BuildSuccess  BuildStatus = "success"
	BuildFailed   BuildStatus = "failed"
)

// Valid reports whether b is a known build state.
func (b BuildStatus) Valid() bool {
	switch b {
	case BuildPending, BuildBuilding, BuildSuccess, BuildFailed:
		return true
	}
	return false
}

// Terminal reports whether the build has finished.
func (b BuildStatus) Terminal() bool {
	return b == BuildSuccess || b == BuildFailed
}

// DockerImage records one image build from a pinned source revision.
type DockerImage struct {
	ID          int64
	Name        string
	Tag         string
	GitHubRepo  string
	GitHubRef   string
	CommitSHA   string
	BuildStatus BuildStatus
	BuildLog    string
	BuildError  *string
	BuiltAt     *time.Time
	CreatedAt   time.Time
}

// Reference returns name:tag.
func (i DockerImage) Reference() string {
	return i.Name + ":" + i.Tag
}

// Settings holds orchestrator-level configuration stored in the database.
type Settings struct {
	GitHubToken       *string
	GitHubDefaultRepo string
	UpdatedAt         time.Time
}

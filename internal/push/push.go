package push

import (
	"context"

	"github.com/depotlabs/buildboard/internal/models"
	"github.com/depotlabs/buildboard/pkg/logger"
)

// Result is the per-build-server outcome of a push run.
type Result struct {
	BuildServer    string `json:"build_server"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	PreconfigCount int    `json:"preconfig_count"`
}

// Pusher delivers staged preconfigs to a region's build servers. The
// delivery transport lives outside this service; the HTTP layer only needs
// something to call between lock acquire and release.
type Pusher interface {
	Push(ctx context.Context, region string, preconfigs []models.Preconfig) ([]Result, error)
}

// Recorder is a Pusher that only logs what would have been sent. Installed
// by default until a real transport is wired in.
type Recorder struct {
	logger *logger.Logger
}

func NewRecorder(logger *logger.Logger) *Recorder {
	return &Recorder{logger: logger}
}

func (r *Recorder) Push(_ context.Context, region string, preconfigs []models.Preconfig) ([]Result, error) {
	r.logger.Infof("recorded push of %d preconfig(s) for region %s", len(preconfigs), region)
	status := "success"
	var errMsg string
	if len(preconfigs) == 0 {
		status = "skipped"
		errMsg = "No preconfigs to push today"
	}
	return []Result{{
		BuildServer:    region + "-build",
		Status:         status,
		Error:          errMsg,
		PreconfigCount: len(preconfigs),
	}}, nil
}

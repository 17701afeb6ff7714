package handlers

import (
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
)

// AppName is reported by /version.
const AppName = "catalogsync"

// BuildInfo is stamped by main via SetBuildInfo.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

var build = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetBuildInfo records build metadata. Empty fields keep their defaults.
func SetBuildInfo(info BuildInfo) {
	if info.Version != "" {
		build.Version = info.Version
	}
	if info.Commit != "" {
		build.Commit = info.Commit
	}
	if info.BuildDate != "" {
		build.BuildDate = info.BuildDate
	}
}

// VersionResponse is the /version body.
type VersionResponse struct {
	Name      string        `json:"name"`
	Build     BuildInfo     `json:"build"`
	GoVersion string        `json:"go_version"`
	Platform  string        `json:"platform"`
	Stack     StackVersions `json:"stack"`
	Service   ServiceInfo   `json:"service"`
}

type StackVersions struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// ServiceInfo describes what this instance exposes.
type ServiceInfo struct {
	Endpoints    []string `json:"upstream_endpoints"`
	EventHistory bool     `json:"event_history"`
	AdminAuth    bool     `json:"admin_auth"`
}

// VersionHandler serves build metadata and the instance's service surface.
type VersionHandler struct {
	Service ServiceInfo
}

func (h *VersionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()
	service := h.Service
	if service.Endpoints == nil {
		service.Endpoints = []string{}
	}

	writeJSON(w, http.StatusOK, VersionResponse{
		Name:      AppName,
		Build:     build,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Stack:     StackVersions{Gofulmen: deps.Gofulmen, Crucible: deps.Crucible},
		Service:   service,
	})
}

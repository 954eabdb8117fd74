package cli

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"kiosk/internal/envelope"
)

// 由 -ldflags "-X kiosk/internal/cli.Version=..." 注入
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// BuildInfo version 命令的输出
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	Modified  bool   `json:"modified,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Envelope  string `json:"envelope_schema"`
}

// currentBuild 合并 ldflags 注入值和 go build 记录的 vcs 信息；
// ldflags 优先，两者都缺时填 unknown
func currentBuild() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Envelope:  envelope.SchemaVersion,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

func (b BuildInfo) print(w io.Writer) {
	commit := b.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if b.Modified {
		commit += "-dirty"
	}
	fmt.Fprintf(w, "kiosk %s (%s, %s)\n", b.Version, commit, b.BuildTime)
	fmt.Fprintf(w, "  %s %s, envelope schema %s\n", b.GoVersion, b.Platform, b.Envelope)
}

// NewVersionCmd 创建 version 命令
func NewVersionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build and schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentBuild()
			if !asJSON {
				info.print(cmd.OutOrStdout())
				return nil
			}
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv 覆盖默认的 ~/.kiosk 目录，便于一台机器上跑多个编排器
const HomeEnv = "KIOSK_HOME"

// HomeDir 返回编排器的主目录：优先 $KIOSK_HOME，否则 ~/.kiosk
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return ExpandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".kiosk"), nil
}

// DefaultConfigPath 默认配置文件位置
func DefaultConfigPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath 展开 ~ 前缀和 $VAR / ${VAR} 引用。
// 未设置的变量展开为空串，和 shell 行为一致。
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	path = os.ExpandEnv(path)

	switch {
	case path == "~":
		return os.UserHomeDir()
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

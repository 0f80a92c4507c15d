package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Discovery はローカルキャプチャデバイスの検出を抽象化する
type Discovery interface {
	// ScanDevices は利用可能なデバイスパスを番号順に返す
	ScanDevices(ctx context.Context) ([]string, error)
	// IsDeviceAvailable はデバイスが開ける状態かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool
	// DeviceName はデバイスの表示名を返す
	DeviceName(ctx context.Context, device string) string
}

var deviceNumberPattern = regexp.MustCompile(`video(\d+)`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() Discovery {
	return &LinuxDiscovery{}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}
		if d.IsDeviceAvailable(ctx, match) {
			devices = append(devices, match)
		}
	}
	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !devicePathPattern.MatchString(device) {
		return false
	}
	if _, err := os.Stat(device); err != nil {
		return false
	}

	// 読み取り権限がなければffmpegも開けない
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// DeviceName はv4l2-ctlから実際のカメラ名を取得する
func (d *LinuxDiscovery) DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err == nil {
		// "Card type" の行からカメラ名を抽出
		for _, line := range strings.Split(string(output), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "Card type") {
				continue
			}
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				if name := strings.TrimSpace(parts[1]); name != "" {
					return name
				}
			}
		}
	}

	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// DeviceInfo は検出されたキャプチャデバイス
type DeviceInfo struct {
	Path string
	Name string
}

// DetectDevices は利用可能なデバイスを表示名とともに番号順に列挙する
func DetectDevices(ctx context.Context, d Discovery) ([]DeviceInfo, error) {
	paths, err := d.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		devices = append(devices, DeviceInfo{Path: p, Name: d.DeviceName(ctx, p)})
	}
	return devices, nil
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	devices []string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	return &MockDiscovery{devices: append([]string(nil), devices...)}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d == device {
			return true
		}
	}
	return false
}

// DeviceName はモックデバイス名を返す
func (m *MockDiscovery) DeviceName(_ context.Context, device string) string {
	return fmt.Sprintf("テストカメラ %d", extractDeviceNumber(device))
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d == device {
			return
		}
	}
	m.devices = append(m.devices, device)
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

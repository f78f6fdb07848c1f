// script.go — 回放脚本: 以空行分隔的 SSE 帧文本, 支持少量注释指令。
//
// 指令 (整块仅一行注释时识别):
//
//	: sleep 2s     暂停后再发送下一帧 (用于触发客户端 watchdog)
//	: status 503   不建立流, 直接以该状态码响应
//
// 其余注释块原样发送 (客户端视为 keepalive)。
// 帧文本中的 {{message_id}} / {{conversation_id}} 在发送时替换。
package replay

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

//go:embed scripts/*.sse
var builtin embed.FS

// DefaultScript 未指定脚本时使用。
const DefaultScript = "default"

const scriptExt = ".sse"

// Step 脚本中的一步: 一个原始帧块, 或一次暂停。
type Step struct {
	Frame string
	Sleep time.Duration
}

// Script 一个命名回放脚本。
type Script struct {
	Name   string
	Status int // >0 时直接以该状态码失败
	Steps  []Step
}

// Frames 返回脚本中的帧数 (不含暂停)。
func (s *Script) Frames() int {
	return lo.CountBy(s.Steps, func(st Step) bool { return st.Frame != "" })
}

// ParseScript 解析脚本文本。
func ParseScript(name string, data []byte) (*Script, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	sc := &Script{Name: name}
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.Trim(block, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		handled, err := sc.directive(block)
		if err != nil {
			return nil, apperrors.Wrapf(err, "replay.ParseScript", "script %q", name)
		}
		if !handled {
			sc.Steps = append(sc.Steps, Step{Frame: block})
		}
	}
	return sc, nil
}

func (s *Script) directive(block string) (bool, error) {
	if strings.Contains(block, "\n") || !strings.HasPrefix(block, ":") {
		return false, nil
	}
	verb, arg, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(block, ":")), " ")
	if !ok {
		return false, nil
	}
	arg = strings.TrimSpace(arg)
	switch verb {
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil || d < 0 {
			return false, apperrors.Wrapf(apperrors.ErrInvalidInput, "replay.directive", "bad sleep %q", arg)
		}
		s.Steps = append(s.Steps, Step{Sleep: d})
		return true, nil
	case "status":
		code, err := strconv.Atoi(arg)
		if err != nil || code < 100 || code > 599 {
			return false, apperrors.Wrapf(apperrors.ErrInvalidInput, "replay.directive", "bad status %q", arg)
		}
		s.Status = code
		return true, nil
	}
	return false, nil
}

// Library 按名字索引的脚本集合。
type Library map[string]*Script

// Names 返回排序后的脚本名。
func (l Library) Names() []string {
	names := lo.Keys(l)
	slices.Sort(names)
	return names
}

// LoadLibrary 加载内置脚本, dir 非空时用目录中的同名 *.sse 覆盖或补充。
func LoadLibrary(dir string) (Library, error) {
	lib := Library{}
	if err := loadFS(lib, builtin, "scripts"); err != nil {
		return nil, err
	}
	if dir == "" {
		return lib, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, apperrors.Wrapf(err, "replay.LoadLibrary", "script dir %s", dir)
	}
	if err := loadFS(lib, os.DirFS(dir), "."); err != nil {
		return nil, err
	}
	return lib, nil
}

func loadFS(lib Library, fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return apperrors.Wrapf(err, "replay.loadFS", "read %s", root)
	}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != scriptExt {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(root, e.Name()))
		if err != nil {
			return apperrors.Wrapf(err, "replay.loadFS", "read %s", e.Name())
		}
		name := strings.TrimSuffix(e.Name(), scriptExt)
		sc, err := ParseScript(name, data)
		if err != nil {
			return err
		}
		lib[name] = sc
	}
	return nil
}

// render 替换帧中的占位符。
func render(frame, messageID, conversationID string) string {
	return strings.NewReplacer(
		"{{message_id}}", messageID,
		"{{conversation_id}}", conversationID,
	).Replace(frame)
}

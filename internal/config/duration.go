package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支持 "30s" 形式的字符串与整数秒两种写法。
type Duration time.Duration

// Std 返回标准库类型。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 解析字符串或整数秒。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalYAML 解析字符串或整数秒。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch value := raw.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(value) * time.Second)
	default:
		return fmt.Errorf("无效的时长 %v", raw)
	}
	return nil
}

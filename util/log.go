package util

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/astaxie/beego/logs"
)

type logconfig struct {
	Filename string `json:"filename"`
	Level    int    `json:"level"`
	MaxLines int    `json:"maxlines"`
	MaxSize  int    `json:"maxsize"`
	Daily    bool   `json:"daily"`
	MaxDays  int    `json:"maxdays"`
	Color    bool   `json:"color"`
}

var logCfg = logconfig{
	Filename: os.Args[0],
	Level:    logs.LevelInformational,
	Daily:    true,
	MaxSize:  10 * 1024 * 1024,
	MaxLines: 100 * 1024,
	MaxDays:  7,
	Color:    false,
}

// LogInit logs to the console with debug output in debug mode, otherwise
// to a daily rotated file under dir.
func LogInit(dir string, debug bool, filename string) error {
	if debug {
		if err := logs.SetLogger(logs.AdapterConsole); err != nil {
			return err
		}
		logs.SetLevel(logs.LevelDebug)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		cfg := logCfg
		cfg.Filename = fmt.Sprintf("%s%c%s", dir, os.PathSeparator, filename)
		value, err := json.Marshal(&cfg)
		if err != nil {
			return err
		}
		if err := logs.SetLogger(logs.AdapterFile, string(value)); err != nil {
			return err
		}
		logs.SetLevel(logs.LevelInformational)
	}
	logs.Async(100)
	logs.EnableFuncCallDepth(true)
	logs.SetLogFuncCallDepth(3)
	return nil
}

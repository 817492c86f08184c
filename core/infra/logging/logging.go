package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

var (
	logFormatOnce sync.Once
	logAsJSON     bool
)

func jsonEnabled() bool {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv("POLVER_LOG_FORMAT")), "json")
	})
	return logAsJSON
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	emit("INFO", component, msg, kv...)
}

// Warn logs a warning with key/value fields using a consistent prefix.
func Warn(component, msg string, kv ...interface{}) {
	emit("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	emit("ERROR", component, msg, kv...)
}

func emit(level, component, msg string, kv ...interface{}) {
	if jsonEnabled() {
		payload := map[string]any{
			"level":     level,
			"component": component,
			"msg":       msg,
		}
		for i := 0; i+1 < len(kv); i += 2 {
			payload[toString(kv[i])] = kv[i+1]
		}
		if encoded, err := json.Marshal(payload); err == nil {
			log.Print(string(encoded))
			return
		}
	}
	switch level {
	case "INFO":
		log.Printf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...))
	default:
		log.Printf("[%s] %s %s%s", strings.ToUpper(component), level, msg, formatFields(kv...))
	}
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}

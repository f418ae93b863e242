// Package sklog is the dispatcher's logging facade. It logs through glog by
// default; InitCloudLogging lets the surrounding process redirect module-level
// logging at a CloudLogger without every package needing to know about it.
//
// This mirrors go.goldmine.build's original sklog package, trimmed to the
// subset the command dispatcher needs: there is no per-task-family report
// name here, only a single dispatcher-wide logger.
package sklog

import (
	"fmt"

	"github.com/golang/glog"

	"pixi.goldmine.build/go/skerr"
)

// CloudLogger is the interface a surrounding process can satisfy to receive
// dispatcher log lines instead of (or in addition to) glog.
type CloudLogger interface {
	CloudLog(severity, payload string)
	Flush()
}

var logger CloudLogger

// InitCloudLogging redirects module-level logging to l. Passing nil reverts
// to glog-only logging.
func InitCloudLogging(l CloudLogger) {
	logger = l
}

func Debugf(format string, v ...interface{}) { log(2, "DEBUG", fmt.Sprintf(format, v...)) }
func Infof(format string, v ...interface{})  { log(2, "INFO", fmt.Sprintf(format, v...)) }
func Warningf(format string, v ...interface{}) {
	log(2, "WARNING", fmt.Sprintf(format, v...))
}
func Errorf(format string, v ...interface{}) { log(2, "ERROR", fmt.Sprintf(format, v...)) }

// ErrorfWithErr logs err's message plus the format string, wrapping err
// through skerr first so a stack-annotated cause is preserved in the log
// line even if the caller only had a bare error.Error() string to give it.
func ErrorfWithErr(err error, format string, v ...interface{}) {
	wrapped := skerr.Wrap(err)
	log(2, "ERROR", fmt.Sprintf(format, v...)+": "+wrapped.Error())
}

func Fatalf(format string, v ...interface{}) {
	log(2, "ALERT", fmt.Sprintf(format, v...))
	Flush()
	panic(fmt.Sprintf(format, v...))
}

func Flush() {
	if logger != nil {
		logger.Flush()
	}
	glog.Flush()
}

func log(depth int, severity, payload string) {
	frames := skerr.CallStack(1, depth+1)
	prefix := "???"
	if len(frames) > 0 {
		prefix = frames[0].String()
	}
	line := fmt.Sprintf("%s %s", prefix, payload)
	if logger != nil {
		logger.CloudLog(severity, line)
		if severity == "ALERT" {
			return
		}
	}
	switch severity {
	case "DEBUG", "INFO":
		glog.InfoDepth(depth, line)
	case "WARNING":
		glog.WarningDepth(depth, line)
	case "ERROR":
		glog.ErrorDepth(depth, line)
	case "ALERT":
		glog.ErrorDepth(depth, line)
	default:
		glog.ErrorDepth(depth, line)
	}
}

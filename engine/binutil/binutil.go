package binutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// SetupHTTPServer starts the debug HTTP server; it returns nil if port is 0
func SetupHTTPServer(ip string, port int, handler http.Handler) *http.Server {
	if port == 0 {
		// debug http not enabled
		gwlog.Infof("http server not enabled")
		return nil
	}

	httpHost := fmt.Sprintf("%s:%d", ip, port)
	ln, err := net.Listen("tcp", httpHost)
	if err != nil {
		gwlog.Errorf("http server listen on %s failed: %v", httpHost, err)
		return nil
	}

	gwlog.Infof("http server listening on %s", httpHost)
	gwlog.Infof("pprof http://%s/debug/pprof/ ... available commands: ", httpHost)
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/heap", httpHost)
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/profile", httpHost)
	gwlog.Infof("metrics http://%s/metrics, violations ws://%s/debug/violations/ws", httpHost, httpHost)

	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			gwlog.Errorf("http server stopped: %v", err)
		}
	}()
	return srv
}

// SetupGWLog setup the log system of a cellapp
func SetupGWLog(component string, logLevel string, logFile string, logStderr bool) {
	gwlog.SetSource(component)
	gwlog.Infof("Set log level to %s", logLevel)
	gwlog.SetLevel(gwlog.StringToLevel(logLevel))

	outputWriters := make([]io.Writer, 0, 2)
	if logFile != "" {
		logFileWriter := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 100,
			MaxAge:     30, //days
			Compress:   true,
		}

		logFileWriter.Rotate() // rotate immediately
		outputWriters = append(outputWriters, logFileWriter)
	}

	if logStderr {
		outputWriters = append(outputWriters, os.Stderr)
	}

	switch len(outputWriters) {
	case 0:
		gwlog.SetOutput(io.Discard)
	case 1:
		gwlog.SetOutput(outputWriters[0])
	default:
		gwlog.SetOutput(io.MultiWriter(outputWriters...))
	}
}

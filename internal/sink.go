package internal

import (
	"context"
	"os"
	"sync"

	"ImageGuard/internal/sentry"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewResultSink returns a closure that counts, logs, reports and quarantines records.
// The report file gets one JSON object per line, appended.
func NewResultSink(opts ScanOptions, stats *AppStats) func(ScanRecord) {
	stats.Start()
	runID := uuid.NewString()
	logrus.WithField("run", runID).Info("Scan run started")

	var reportMu sync.Mutex

	return func(rec ScanRecord) {
		rec.RunID = runID
		fields := logrus.Fields{"source": rec.Source}
		if rec.InnerPath != "" {
			fields["inner"] = rec.InnerPath
		}

		switch {
		case rec.Error != nil:
			stats.Errors.Add(1)
			rec.Status = StatusError
			rec.ErrorText = rec.Error.Error()
			logrus.WithFields(fields).WithError(rec.Error).Error("process error")

		case rec.Result.Passed():
			stats.FilesProcessed.Add(1)
			stats.Passed.Add(1)
			rec.Status = StatusPassed
			logrus.WithFields(fields).Debug("Passed")

		default:
			stats.FilesProcessed.Add(1)
			stats.Rejected.Add(1)
			rec.Status = StatusRejected
			rej := rec.Result.Rejection
			fields["kind"] = rej.Kind.String()
			if rej.Kind == sentry.KindReadError {
				stats.Errors.Add(1)
				logrus.WithFields(fields).Error(rej.Error())
				break
			}
			logrus.WithFields(fields).Warn(rej.Error())
			if opts.QuarantineFolder != "" && rec.task.kind != TaskURL {
				dst, err := quarantine(context.Background(), opts.QuarantineFolder, rec.task)
				if err != nil {
					stats.Errors.Add(1)
					logrus.WithFields(fields).WithError(err).Error("quarantine failed")
				} else {
					stats.Quarantined.Add(1)
					rec.Quarantined = dst
					logrus.WithFields(fields).WithField("dest", dst).Info("Quarantined")
				}
			}
		}

		if rec.Result != nil {
			for _, w := range rec.Result.Warnings {
				stats.Warnings.Add(1)
				logrus.WithFields(fields).Warn(w)
			}
		}

		if opts.ReportFile == "" {
			return
		}
		line, err := sonic.Marshal(&rec)
		if err != nil {
			logrus.WithFields(fields).WithError(err).Error("encode report line")
			return
		}
		line = append(line, '\n')

		reportMu.Lock()
		defer reportMu.Unlock()
		f, err := os.OpenFile(opts.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logrus.WithError(err).Error("open report file")
			return
		}
		if _, err := f.Write(line); err != nil {
			logrus.WithError(err).Error("write report line")
		}
		_ = f.Close()
	}
}

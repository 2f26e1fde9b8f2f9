/*
Package log provides structured logging for lci using zerolog.

It wraps a single global zerolog.Logger, initialized once via Init, plus a
handful of child-logger constructors that attach the fields every other
package in this module wants attached to its lines: which component is
logging, which revision or test a message is about, or both at once for a
single job.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	poolLog := log.WithComponent("pool")
	poolLog.Debug().Str("key", key.String()).Msg("acquire blocked")

	jobLog := log.WithJob(string(rev), string(test.Name))
	jobLog.Info().Int("exit_code", result.ExitCode).Msg("job finished")

With log.Config.JSONOutput = true (the --log-json flag of lci), the jobLog
line above looks like:

	{"level":"info","revision":"a1b2c3","test":"unit","exit_code":0,"time":"2026-01-01T00:00:00Z","message":"job finished"}

Console output is the default (log.Config.JSONOutput = false), trading
machine-parseability for a one-line-per-event format a developer can read
while `lci run` is still going.
*/
package log

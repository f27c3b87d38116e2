package chainsync

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/chainsync/ancestor"
	"github.com/lightninglabs/chainsync/blockcache"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/monitoring"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/lightninglabs/chainsync/registry"
	"github.com/lightninglabs/chainsync/signal"
	"github.com/lightninglabs/chainsync/syncdb"
	"github.com/lightninglabs/chainsync/syncer"
)

// Loggers per subsystem. A single root logger is created and all subsystem
// loggers created from it will write to the handlers of the root. When adding
// new subsystems, register their UseLogger function in SetupLoggers.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// csydPkgLoggers is a list of all chainsyncd package level loggers
	// that are registered. They are tracked here so they can be replaced
	// once the SetupLoggers function is called with the final root
	// logger.
	csydPkgLoggers []*replaceableLogger

	// addCsydPkgLogger is a helper function that creates a new
	// replaceable main chainsyncd package level logger and adds it to
	// the list of loggers that are replaced again later, once the final
	// root logger is ready.
	addCsydPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    btclog.Disabled,
			subsystem: subsystem,
		}
		csydPkgLoggers = append(csydPkgLoggers, l)

		return l
	}

	// Loggers that need to be accessible from the chainsync package can
	// be placed here. Loggers that are only used in sub modules can be
	// added directly by using the AddSubLogger method.
	csydLog = addCsydPkgLogger("CSYD")
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	// Now that we have the proper root logger, we can replace the
	// placeholder chainsyncd package loggers.
	for _, l := range csydPkgLoggers {
		l.Logger = genSubLogger(root, interceptor)(l.subsystem)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(root, syncer.Subsystem, interceptor, syncer.UseLogger)
	AddSubLogger(root, ingest.Subsystem, interceptor, ingest.UseLogger)
	AddSubLogger(root, ancestor.Subsystem, interceptor, ancestor.UseLogger)
	AddSubLogger(root, registry.Subsystem, interceptor, registry.UseLogger)
	AddSubLogger(
		root, nodeclient.Subsystem, interceptor, nodeclient.UseLogger,
	)
	AddSubLogger(root, syncdb.Subsystem, interceptor, syncdb.UseLogger)
	AddSubLogger(
		root, blockcache.Subsystem, interceptor, blockcache.UseLogger,
	)
	AddSubLogger(
		root, monitoring.Subsystem, interceptor, monitoring.UseLogger,
	)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := genLogger(subsystem)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

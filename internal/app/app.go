// Package app runs the daemon's long-lived components. Each component
// implements Dependency; the runner starts them all, waits for a stop signal
// or a failure, and shuts everything down within a bounded window.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Dependency is one long-lived component of the pipeline.
type Dependency interface {
	// Start readies the dependency. Components that serve (the gateway, the
	// feed) may block inside Start until Stop is called.
	Start() error
	// Stop shuts the dependency down, finishing in-flight work first.
	Stop() error
	// Name identifies the dependency in logs.
	Name() string
}

type App struct {
	serviceName string
	deps        []Dependency
	// depFailChan receives the first failure from any dependency's Start.
	depFailChan  chan error
	osSignalChan chan os.Signal
	// stopCalled and runCalled keep Run/stop single-shot.
	stopCalled *atomic.Bool
	runCalled  *atomic.Bool
	// stopTimeout bounds how long shutdown waits for dependencies.
	stopTimeout time.Duration
}

type Config struct {
	ServiceName string
	StopTimeout time.Duration
}

func (c *Config) validate() error {
	var errGrp []error
	if c.ServiceName == "" {
		errGrp = append(errGrp, errors.New("service name is required"))
	}
	if c.StopTimeout == 0 {
		errGrp = append(errGrp, errors.New("stop timeout is required"))
	}
	return errors.Join(errGrp...)
}

// CreateApp builds the runner over the given dependencies. Dependencies stop
// in the order they were passed, so order them producer-first.
func CreateApp(cfg *Config, deps ...Dependency) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &App{
		serviceName:  cfg.ServiceName,
		deps:         deps,
		stopTimeout:  cfg.StopTimeout,
		stopCalled:   &atomic.Bool{},
		runCalled:    &atomic.Bool{},
		depFailChan:  make(chan error, len(deps)),
		osSignalChan: make(chan os.Signal, 1),
	}, nil
}

// Run starts every dependency and blocks until the context is canceled, a
// dependency fails, or the OS asks the process to stop. It then runs the
// shutdown sequence and returns.
func (a *App) Run(ctx context.Context) error {
	if !a.runCalled.CompareAndSwap(false, true) {
		return errors.New("run has already been called")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		close(a.depFailChan)
		close(a.osSignalChan)
		cancel()
	}()

	for _, dep := range a.deps {
		// Every dependency gets its own goroutine; blocking servers stay in
		// Start until shutdown, and failures land on depFailChan.
		go func(dep Dependency) {
			defer func() {
				if r := recover(); r != nil {
					a.depFailChan <- fmt.Errorf("panic in Start() for dependency %s: %v", dep.Name(), r)
				}
			}()

			log.Info().Msg("Starting dependency: " + dep.Name())
			if err := dep.Start(); err != nil {
				a.depFailChan <- fmt.Errorf("failure in Start() for dependency %s: %v", dep.Name(), err)
			}
		}(dep)
	}

	signal.Notify(a.osSignalChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-runCtx.Done():
		log.Info().Msg(a.serviceName + " context cancelled: shutting down")
	case depErr := <-a.depFailChan:
		log.Error().Msg("Dependency failed: " + depErr.Error())
	case sig := <-a.osSignalChan:
		log.Info().Msg("OS signal received: " + sig.String() + ", shutdown beginning")
	}

	signal.Stop(a.osSignalChan)
	if err := a.stop(); err != nil {
		log.Error().Msg("Error stopping application: " + err.Error())
		return err
	}
	return nil
}

// stop shuts every dependency down, bounded by the stop timeout. A slow Stop
// surfaces as a deadline error rather than hanging the process forever.
func (a *App) stop() error {
	if !a.stopCalled.CompareAndSwap(false, true) {
		return errors.New("stop has already been called")
	}

	ctxTo, cancel := context.WithTimeout(context.Background(), a.stopTimeout)

	var errs []error
	go func() {
		defer cancel()
		for _, dep := range a.deps {
			log.Info().Msg("Stopping dependency: " + dep.Name())
			if err := dep.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failure in Stop() for dependency %s: %v", dep.Name(), err))
			}
		}
	}()

	<-ctxTo.Done()
	if err := ctxTo.Err(); errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

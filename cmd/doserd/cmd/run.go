/*
Copyright © 2023 Jonathan Taylor <jonrtaylor12@gmail.com>
*/

package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/amqp"
	"github.com/jt05610/doser/comm/serial"
	"github.com/jt05610/doser/control"
	"github.com/jt05610/doser/engine"
	"github.com/jt05610/doser/env"
	"github.com/jt05610/doser/grbl/link"
	"github.com/jt05610/doser/history"
	"github.com/jt05610/doser/interlock"
	"github.com/jt05610/doser/metrics"
	"github.com/jt05610/doser/pump"
	"github.com/jt05610/doser/recipefile"
	"github.com/jt05610/doser/scale"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the rig daemon against real hardware",
	Long: `run brings up the motor link and the scale on their serial ports, loads
the rig document named by RIG_CONFIG, and drives the control loop until
interrupted. Commands arrive over AMQP when RABBITMQ_URI is set; otherwise
the rig idles until a consumer is attached.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		environ := env.LoadEnv(logger)
		rig, err := recipefile.LoadFile(environ.RigConfig)
		if err != nil {
			logger.Fatal("Failed to load rig config", zap.Error(err))
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		motorPort, err := serial.OpenPort(environ.MotorPort, environ.MotorBaud)
		if err != nil {
			logger.Fatal("Failed to open motor port", zap.Error(err))
		}
		defer closePort(logger, motorPort)
		if rig.RS485RTS {
			if err := motorPort.SetDirectionRTS(rig.RTSDelay); err != nil {
				logger.Fatal("Failed to set RS485 direction", zap.Error(err))
			}
		}
		scalePort, err := serial.OpenPort(environ.ScalePort, environ.ScaleBaud)
		if err != nil {
			logger.Fatal("Failed to open scale port", zap.Error(err))
		}
		defer closePort(logger, scalePort)

		l, err := link.Open(ctx, motorPort, rig.Link, logger)
		if err != nil {
			logger.Fatal("Failed to open motor link", zap.Error(err))
		}
		go l.RunHeartbeat(ctx)
		reader, err := scale.Open(ctx, scalePort, rig.Scale, logger)
		if err != nil {
			logger.Fatal("Failed to open scale", zap.Error(err))
		}

		guards, err := interlock.Compile(rig.Interlocks)
		if err != nil {
			logger.Fatal("Failed to compile interlocks", zap.Error(err))
		}
		store, err := history.Open(environ.HistoryDB)
		if err != nil {
			logger.Fatal("Failed to open history store", zap.Error(err))
		}

		device := environ.DeviceID
		if device == "" {
			device = rig.Device
		}
		sinks := []engine.Sink{store.Sink(logger)}
		var conn *amqp.Connection
		if environ.URI != "" {
			conn, err = amqp.Dial(environ.URI)
			if err != nil {
				logger.Fatal("Failed to dial amqp", zap.Error(err))
			}
			defer closeQuietly(logger, conn)
			pub, err := amqp.NewPublisher(conn, environ.Exchange, device, logger)
			if err != nil {
				logger.Fatal("Failed to declare exchange", zap.Error(err))
			}
			sinks = append(sinks, pub.Sink(ctx))
		}
		sink := fanOut(sinks)

		ePumps := make([]engine.Pump, 0, len(rig.Pumps))
		cPumps := make([]control.Pump, 0, len(rig.Pumps))
		for _, pc := range rig.Pumps {
			d := pump.NewDriver(l, pc, logger)
			ePumps = append(ePumps, d)
			cPumps = append(cPumps, d)
		}

		e := engine.New(reader, ePumps, rig.Engine, sink, logger)
		ctrl := control.New(control.Options{
			Link:    l,
			Scale:   reader,
			Engine:  e,
			Pumps:   cPumps,
			Recipes: rig.Recipes,
			Guards:  guards,
			Sink:    sink,
			Config:  rig.Control,
			Logger:  logger,
		})

		if conn != nil {
			consumer, err := amqp.NewConsumer(conn, environ.Exchange, device, ctrl, logger)
			if err != nil {
				logger.Fatal("Failed to bind command queue", zap.Error(err))
			}
			go func() {
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Command consumer stopped", zap.Error(err))
				}
			}()
		}
		if environ.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(ctx, environ.MetricsAddr, logger); err != nil {
					logger.Error("Metrics server stopped", zap.Error(err))
				}
			}()
		}

		logger.Info("doserd running",
			zap.String("device", device),
			zap.Int("pumps", len(rig.Pumps)),
			zap.Int("recipes", len(rig.Recipes)))
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("Control loop stopped", zap.Error(err))
		}
		logger.Info("doserd shutting down")
	},
}

// fanOut delivers each event to every sink in order.
func fanOut(sinks []engine.Sink) engine.Sink {
	return func(ev doser.Event) {
		for _, s := range sinks {
			s(ev)
		}
	}
}

func closePort(logger *zap.Logger, p *serial.Port) {
	if err := p.Close(); err != nil {
		logger.Error("Failed to close port", zap.Error(err))
	}
}

func closeQuietly(logger *zap.Logger, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Error("Failed to close connection", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}

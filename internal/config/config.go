/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config
package config

import (
	"flag"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/pkg/relay"
)

// Cfg holds the configuration data for the camera relay application
type Cfg struct {
	Camera      string
	Listen      string
	MetricsAddr string
	Policy      model.ReportPolicy
	RTSPTimeout time.Duration
	HealthCheck bool
	Logger      *logrus.Logger
	Grpc        *grpcOpts
}

type grpcOpts struct {
	Port string
}

// fileCfg mirrors the flags, absent keys leave the flag value alone
type fileCfg struct {
	Camera      *string `yaml:"camera"`
	Listen      *string `yaml:"listen"`
	GrpcPort    *string `yaml:"grpcPort"`
	MetricsAddr *string `yaml:"metricsAddr"`
	RRPolicy    *string `yaml:"rrPolicy"`
	RTSPTimeout *string `yaml:"rtspTimeout"`
}

// New initializes the configuration from the command line and is shared
// across the internal plugins
func New() (*Cfg, error) {
	return Parse(os.Args[1:])
}

// Parse builds a configuration from the given arguments. Explicit flags win
// over the -config file, which wins over the defaults.
func Parse(args []string) (*Cfg, error) {
	fs := flag.NewFlagSet("camera-relay", flag.ContinueOnError)

	cf := new(Cfg)
	grpcOpt := new(grpcOpts)
	var policy, cfgFile string
	var timeout time.Duration

	fs.StringVar(&cf.Camera, "camera", "", "upstream camera RTSP url")
	fs.StringVar(&cf.Listen, "listen", "127.0.0.1:0", "address to accept RTSP clients on")
	fs.StringVar(&grpcOpt.Port, "grpcPort", "9000", "port to listen for GRPC health on, empty disables")
	fs.StringVar(&cf.MetricsAddr, "metricsAddr", "", "address to serve prometheus metrics on, empty disables")
	fs.StringVar(&policy, "rrPolicy", "loose", "receiver report policy (loose, strict)")
	fs.DurationVar(&timeout, "rtspTimeout", 10*time.Second, "timeout of each RTSP exchange")
	fs.StringVar(&cfgFile, "config", "", "optional YAML configuration file")
	fs.BoolVar(&cf.HealthCheck, "healthcheck", false, "query the health of a running relay and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

		fc, err := readFile(cfgFile)
		if err != nil {
			return nil, err
		}
		if err := fc.apply(set, cf, grpcOpt, &policy, &timeout); err != nil {
			return nil, err
		}
	}

	p, err := model.ParseReportPolicy(policy)
	if err != nil {
		return nil, err
	}

	cf.Logger = logrus.New()
	cf.Logger.SetOutput(os.Stdout)
	setLogLvl(cf.Logger)
	setLogType(cf.Logger)

	res := &Cfg{
		Camera:      cf.Camera,
		Listen:      cf.Listen,
		MetricsAddr: cf.MetricsAddr,
		Policy:      p,
		RTSPTimeout: timeout,
		HealthCheck: cf.HealthCheck,
		Logger:      cf.Logger,
		Grpc: &grpcOpts{
			Port: grpcOpt.Port,
		},
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func readFile(path string) (*fileCfg, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	fc := new(fileCfg)
	if err := yaml.Unmarshal(raw, fc); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	return fc, nil
}

func (fc *fileCfg) apply(set map[string]bool, cf *Cfg, g *grpcOpts, policy *string, timeout *time.Duration) error {
	if fc.Camera != nil && !set["camera"] {
		cf.Camera = *fc.Camera
	}
	if fc.Listen != nil && !set["listen"] {
		cf.Listen = *fc.Listen
	}
	if fc.GrpcPort != nil && !set["grpcPort"] {
		g.Port = *fc.GrpcPort
	}
	if fc.MetricsAddr != nil && !set["metricsAddr"] {
		cf.MetricsAddr = *fc.MetricsAddr
	}
	if fc.RRPolicy != nil && !set["rrPolicy"] {
		*policy = *fc.RRPolicy
	}
	if fc.RTSPTimeout != nil && !set["rtspTimeout"] {
		d, err := time.ParseDuration(*fc.RTSPTimeout)
		if err != nil {
			return errors.Wrap(err, "rtspTimeout")
		}
		*timeout = d
	}
	return nil
}

func (c *Cfg) validate() error {
	// checking a running relay needs no camera
	if c.HealthCheck {
		return nil
	}
	if c.Camera == "" {
		return errors.New("a camera url is required (-camera)")
	}
	u, err := url.Parse(c.Camera)
	if err != nil {
		return errors.Wrap(err, "camera url")
	}
	if u.Scheme != "rtsp" || u.Host == "" {
		return errors.Errorf("camera url '%s' is not an rtsp url", c.Camera)
	}
	if c.RTSPTimeout <= 0 {
		return errors.Errorf("rtspTimeout must be positive, got %s", c.RTSPTimeout)
	}
	return nil
}

// RelayOptions maps the configuration to relay options.
func (c *Cfg) RelayOptions() []relay.Option {
	return []relay.Option{
		relay.UseLogger(c.Logger),
		relay.UseCameraURL(c.Camera),
		relay.UseListenAddr(c.Listen),
		relay.UseReportPolicy(c.Policy),
		relay.UseTimeout(c.RTSPTimeout),
	}
}

// sets the log level of the logger
func setLogLvl(l *logrus.Logger) {
	logLevel := os.Getenv("LOG_LEVEL")

	switch logLevel {
	case "DEBUG":
		l.SetLevel(logrus.DebugLevel)
	case "WARN":
		l.SetLevel(logrus.WarnLevel)
	case "INFO":
		l.SetLevel(logrus.InfoLevel)
	case "ERROR":
		l.SetLevel(logrus.ErrorLevel)
	case "TRACE":
		l.SetLevel(logrus.TraceLevel)
	case "FATAL":
		l.SetLevel(logrus.FatalLevel)
	default:
		l.SetLevel(logrus.DebugLevel)
	}
}

// sets the log type of the logger
func setLogType(l *logrus.Logger) {
	logType := os.Getenv("LOG_TYPE")

	switch strings.ToLower(logType) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			PrettyPrint: true,
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			ForceColors:     true,
			DisableColors:   false,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}

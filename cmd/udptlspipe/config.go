// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/udptlspipe/udptlspipe/fingerprint"
	"github.com/udptlspipe/udptlspipe/pipe"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file. Flags set on the command line take precedence.
type fileConfig struct {
	Destination string `yaml:"destination"`
	Password    string `yaml:"password"`
	ServerName  string `yaml:"server_name"`
	Secure      bool   `yaml:"secure"`
	Proxy       string `yaml:"proxy"`
	Fingerprint string `yaml:"fingerprint"`
	ListenPort  int    `yaml:"listen_port"`
	Verbose     bool   `yaml:"verbose"`
}

func parseConfigFile(r io.Reader) (fileConfig, error) {
	var cfg fileConfig
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, err
	}
	return cfg, nil
}

type options struct {
	pipe    pipe.Config
	verbose bool
	version bool
}

func parseArgs(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("udptlspipe", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: udptlspipe -d <host:port> [flags...]\n")
		fs.PrintDefaults()
	}

	var flags fileConfig
	fs.StringVar(&flags.Destination, "d", "", "Server address (host:port)")
	fs.StringVar(&flags.Password, "p", "", "Password for the server")
	fs.StringVar(&flags.ServerName, "sni", "", "TLS server name. Defaults to the destination host")
	fs.BoolVar(&flags.Secure, "secure", false, "Verify the server certificate")
	fs.StringVar(&flags.Proxy, "proxy", "", "Proxy URL (http, https or socks5)")
	fs.StringVar(&flags.Fingerprint, "fingerprint", string(fingerprint.DefaultProfile),
		"TLS fingerprint: "+strings.Join(profileNames(), ", "))
	fs.IntVar(&flags.ListenPort, "l", 0, "Local UDP port on 127.0.0.1. 0 picks a free port")
	fs.BoolVar(&flags.Verbose, "v", false, "Enable debug output")
	configFile := fs.String("config", "", "YAML config file")
	version := fs.Bool("version", false, "Print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *version {
		return &options{version: true}, nil
	}

	var cfg fileConfig
	if *configFile != "" {
		f, err := os.Open(*configFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if cfg, err = parseConfigFile(f); err != nil {
			return nil, fmt.Errorf("invalid config file %v: %w", *configFile, err)
		}
	} else {
		cfg.Fingerprint = flags.Fingerprint
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			cfg.Destination = flags.Destination
		case "p":
			cfg.Password = flags.Password
		case "sni":
			cfg.ServerName = flags.ServerName
		case "secure":
			cfg.Secure = flags.Secure
		case "proxy":
			cfg.Proxy = flags.Proxy
		case "fingerprint":
			cfg.Fingerprint = flags.Fingerprint
		case "l":
			cfg.ListenPort = flags.ListenPort
		case "v":
			cfg.Verbose = flags.Verbose
		}
	})
	if cfg.Destination == "" {
		return nil, errors.New("missing destination, use -d or the config file")
	}

	return &options{
		pipe: pipe.Config{
			Destination: cfg.Destination,
			Password:    cfg.Password,
			ServerName:  cfg.ServerName,
			Secure:      cfg.Secure,
			ProxyURL:    cfg.Proxy,
			Profile:     cfg.Fingerprint,
			ListenPort:  cfg.ListenPort,
		},
		verbose: cfg.Verbose,
	}, nil
}

func profileNames() []string {
	var names []string
	for _, p := range fingerprint.Profiles() {
		names = append(names, string(p))
	}
	return names
}

// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/logger"
	"github.com/urfave/cli/v2"

	confsdk "github.com/confkit/session-sdk-go"
)

func main() {
	app := &cli.App{
		Name:  "confkit-cli",
		Usage: "CLI client for conferencing sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name: "verbose",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before flags are read",
				Value: ".env",
			},
		},
		Before:  setup,
		Version: confsdk.Version,
	}

	app.Commands = append(app.Commands, TokenCommands...)
	app.Commands = append(app.Commands, SessionCommands...)

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	// a missing env file is fine, flags and the environment still apply
	if err := godotenv.Load(c.String("env-file")); err != nil && !os.IsNotExist(err) {
		return err
	}
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	logger.InitFromConfig(&logger.Config{Level: level}, "confkit-cli")
	confsdk.SetLogger(logger.GetLogger())
	return nil
}

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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	confsdk "github.com/confkit/session-sdk-go"
)

var TokenCommands = []*cli.Command{
	{
		Name:      "decode-token",
		Usage:     "Prints the claims of an auth token",
		ArgsUsage: "[token]",
		Action:    decodeToken,
		Flags: []cli.Flag{
			tokenFlag,
		},
	},
}

var tokenFlag = &cli.StringFlag{
	Name:    "token",
	Usage:   "auth token issued for the room",
	EnvVars: []string{"CONFKIT_TOKEN"},
}

// tokenArg returns the token flag, falling back to the first argument.
func tokenArg(c *cli.Context) (string, error) {
	if token := c.String("token"); token != "" {
		return token, nil
	}
	if token := c.Args().First(); token != "" {
		return token, nil
	}
	return "", errors.New("token is required")
}

func decodeToken(c *cli.Context) error {
	token, err := tokenArg(c)
	if err != nil {
		return err
	}
	claims, err := confsdk.DecodeToken(token)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

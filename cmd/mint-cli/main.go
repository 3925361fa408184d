package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/urfave/cli/v2"
)

const managerURLFlag = "manager-url"

func main() {
	app := &cli.App{
		Name:  "mint-cli",
		Usage: "admin cli for the mint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  managerURLFlag,
				Usage: "url of the mint's admin server",
				Value: "http://127.0.0.1:8081",
			},
		},
		Commands: []*cli.Command{
			issuedCmd,
			redeemedCmd,
			balanceCmd,
			keysetsCmd,
			rotateKeysetCmd,
			watchCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var issuedCmd = &cli.Command{
	Name:  "issued",
	Usage: "amount of ecash issued, optionally by keyset id",
	Action: func(ctx *cli.Context) error {
		path := "/issued"
		if ctx.Args().Len() > 0 {
			path += "/" + url.PathEscape(ctx.Args().First())
		}
		return get(ctx, path)
	},
}

var redeemedCmd = &cli.Command{
	Name:  "redeemed",
	Usage: "amount of ecash redeemed, optionally by keyset id",
	Action: func(ctx *cli.Context) error {
		path := "/redeemed"
		if ctx.Args().Len() > 0 {
			path += "/" + url.PathEscape(ctx.Args().First())
		}
		return get(ctx, path)
	},
}

var balanceCmd = &cli.Command{
	Name:  "balance",
	Usage: "total amount of ecash in circulation",
	Action: func(ctx *cli.Context) error {
		return get(ctx, "/totalbalance")
	},
}

var keysetsCmd = &cli.Command{
	Name:  "keysets",
	Usage: "list the mint's keysets",
	Action: func(ctx *cli.Context) error {
		return get(ctx, "/keysets")
	},
}

const feeFlag = "fee"

var rotateKeysetCmd = &cli.Command{
	Name:  "rotatekeyset",
	Usage: "rotate to a new active keyset",
	Flags: []cli.Flag{
		&cli.UintFlag{
			Name:     feeFlag,
			Usage:    "input fee ppk for the new keyset",
			Required: true,
		},
	},
	Action: func(ctx *cli.Context) error {
		requestURL := fmt.Sprintf("%s/rotatekeyset?fee=%d",
			ctx.String(managerURLFlag), ctx.Uint(feeFlag))

		resp, err := http.Post(requestURL, "application/json", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return printBody(resp)
	},
}

var watchCmd = &cli.Command{
	Name:  "watch",
	Usage: "stream quote state changes from the mint",
	Action: func(ctx *cli.Context) error {
		resp, err := http.Get(ctx.String(managerURLFlag) + "/events")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return errors.New(string(body))
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		return scanner.Err()
	},
}

func get(ctx *cli.Context, path string) error {
	resp, err := http.Get(ctx.String(managerURLFlag) + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printBody(resp)
}

func printBody(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(string(body))
	}

	fmt.Println(string(body))
	return nil
}

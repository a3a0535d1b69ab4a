// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"duskchain/config"
	"duskchain/core"
	"duskchain/message"
	"duskchain/node"
	"duskchain/transport"
	"duskchain/wallet"
)

// chainSnapshot is the on-disk form of a blockchain: {"blocks": [...]},
// the same shape a CHAIN message carries on the wire.
type chainSnapshot struct {
	Blocks []core.Block `json:"blocks"`
}

func loadSnapshot(path string, minerReward int64, difficulty int) (*core.Blockchain, bool, error) {
	if ok, _ := pathExists(path); !ok {
		return nil, false, nil
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, false, errors.Wrap(err, "cli: read chain file")
	}
	var snap chainSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, errors.Wrap(err, "cli: parse chain file")
	}
	if len(snap.Blocks) == 0 {
		return nil, false, errors.New("cli: chain file has no blocks")
	}
	return core.LoadBlockchain(snap.Blocks, minerReward, difficulty), true, nil
}

func saveSnapshot(path string, bc *core.Blockchain) error {
	raw, err := json.MarshalIndent(chainSnapshot{Blocks: bc.Chain}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cli: encode chain file")
	}
	return ioutil.WriteFile(path, raw, 0644)
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func newLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "duskchain"
	app.Usage = "a small round-based proof-of-work blockchain node"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "path to the tunables file"},
		cli.StringFlag{Name: "wallets", Value: "wallets.dat", Usage: "path to the wallet collection file"},
		cli.StringFlag{Name: "chain", Value: "chain.json", Usage: "path to the persisted chain snapshot"},
	}

	app.Commands = []cli.Command{
		{
			Name:  "createwallet",
			Usage: "generate a new keypair and save it to the wallet collection file",
			Action: func(c *cli.Context) error {
				ws, err := wallet.NewWallets(c.GlobalString("wallets"))
				if err != nil {
					return err
				}
				addr, err := ws.Create()
				if err != nil {
					return err
				}
				if err := ws.SaveToFile(c.GlobalString("wallets")); err != nil {
					return err
				}
				fmt.Printf("new address: %s\n", addr)
				return nil
			},
		},
		{
			Name:  "listaddr",
			Usage: "list every address in the wallet collection file",
			Action: func(c *cli.Context) error {
				ws, err := wallet.NewWallets(c.GlobalString("wallets"))
				if err != nil {
					return err
				}
				for i, addr := range ws.Addresses() {
					fmt.Printf("#%d: %s\n", i, addr)
				}
				return nil
			},
		},
		{
			Name:  "getbalance",
			Usage: "print the balance of an address against the local chain snapshot",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr", Usage: "address to query"},
			},
			Action: func(c *cli.Context) error {
				addr := c.String("addr")
				if addr == "" {
					return errors.New("cli: -addr is required")
				}
				cfg, err := config.Load(c.GlobalString("config"))
				if err != nil {
					return err
				}
				bc, ok, err := loadSnapshot(c.GlobalString("chain"), cfg.MinerReward, cfg.Difficulty)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("cli: no chain snapshot found")
				}
				fmt.Printf("balance of %s: %d\n", addr, bc.GetBalance(addr))
				return nil
			},
		},
		{
			Name:  "printchain",
			Usage: "print every block in the local chain snapshot",
			Action: func(c *cli.Context) error {
				cfg, err := config.Load(c.GlobalString("config"))
				if err != nil {
					return err
				}
				bc, ok, err := loadSnapshot(c.GlobalString("chain"), cfg.MinerReward, cfg.Difficulty)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("cli: no chain snapshot found")
				}
				for _, block := range bc.Chain {
					fmt.Printf("== block #%d ==\n", block.Index)
					fmt.Printf("previous hash: %s\n", block.PreviousHash)
					fmt.Printf("hash: %s\n", block.Hash())
					fmt.Printf("nonce: %d\n", block.Nonce)
					fmt.Printf("transactions: %d\n\n", len(block.Transactions))
				}
				return nil
			},
		},
		{
			Name:  "send",
			Usage: "build, sign and add a spend transaction to the local chain's pending pool",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "from", Usage: "sender address, must be in the wallet collection file"},
				cli.StringFlag{Name: "to", Usage: "recipient address"},
				cli.Int64Flag{Name: "amount", Usage: "amount to send"},
			},
			Action: func(c *cli.Context) error {
				return runSend(c)
			},
		},
		{
			Name:  "startnode",
			Usage: "join the network as a peer, optionally mining",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "this node's advertised host"},
				cli.IntFlag{Name: "port", Value: 3000, Usage: "this node's TCP port"},
				cli.StringFlag{Name: "miner", Usage: "address to receive mining rewards; omit to run as a non-mining peer"},
				cli.StringSliceFlag{Name: "peer", Usage: "host:port of a known peer; may be given more than once"},
			},
			Action: func(c *cli.Context) error {
				return runStartNode(c)
			},
		},
		{
			Name:  "requestchain",
			Usage: "ask a peer for its chain and print the length of the longest one seen within a few seconds",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "peer", Usage: "host:port to query"},
				cli.IntFlag{Name: "port", Value: 0, Usage: "local port to listen for the reply on (0 = ephemeral)"},
			},
			Action: func(c *cli.Context) error {
				return runRequestChain(c)
			},
		},
	}
	return app
}

func runSend(c *cli.Context) error {
	from, to, amount := c.String("from"), c.String("to"), c.Int64("amount")
	if from == "" || to == "" || amount <= 0 {
		return errors.New("cli: -from, -to and a positive -amount are required")
	}

	ws, err := wallet.NewWallets(c.GlobalString("wallets"))
	if err != nil {
		return err
	}
	w, err := ws.Get(from)
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	bc, ok, err := loadSnapshot(c.GlobalString("chain"), cfg.MinerReward, cfg.Difficulty)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("cli: no chain snapshot found")
	}

	tx, err := buildSpend(bc, w, to, amount)
	if err != nil {
		return err
	}
	if !bc.AddTransaction(tx) {
		return errors.New("cli: transaction rejected by the ledger")
	}
	if err := saveSnapshot(c.GlobalString("chain"), bc); err != nil {
		return err
	}
	fmt.Printf("queued tx %s\n", tx.Hash())
	return nil
}

// buildSpend selects unspent outputs of w's address covering amount, signs
// each input over tx_id||index, and adds a change output back to the
// sender if the inputs overshoot the requested amount.
func buildSpend(bc *core.Blockchain, w *wallet.Wallet, to string, amount int64) (core.Transaction, error) {
	addr := w.Address()
	var inputs []core.TxInput
	var gathered int64

	for key, out := range bc.UTXO {
		if out.Address != addr {
			continue
		}
		sig, err := w.SignMessage([]byte(key.TxID + strconv.Itoa(key.Index)))
		if err != nil {
			return core.Transaction{}, err
		}
		inputs = append(inputs, core.TxInput{
			TxID:      key.TxID,
			Index:     key.Index,
			Signature: sig,
			PubKey:    w.PubKeyHex(),
		})
		gathered += out.Amount
		if gathered >= amount {
			break
		}
	}
	if gathered < amount {
		return core.Transaction{}, errors.New("cli: insufficient funds")
	}

	outputs := []core.TxOutput{{Amount: amount, Address: to}}
	if change := gathered - amount; change > 0 {
		outputs = append(outputs, core.TxOutput{Amount: change, Address: addr})
	}
	return core.Transaction{Inputs: inputs, Outputs: outputs, Metadata: map[string]interface{}{}}, nil
}

func runStartNode(c *cli.Context) error {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	w, err := wallet.LoadWallet(cfg.WalletFile)
	if err != nil {
		return err
	}

	host, port := c.String("host"), c.Int("port")
	chainPath := c.GlobalString("chain")

	bc, ok, err := loadSnapshot(chainPath, cfg.MinerReward, cfg.Difficulty)
	if err != nil {
		return err
	}
	if !ok {
		bc = core.NewBlockchain(cfg.MinerReward, cfg.Difficulty)
	}

	role := node.RoleUser
	minerAddr := c.String("miner")
	if minerAddr != "" {
		role = node.RoleMiner
	} else {
		minerAddr = w.Address()
	}

	self := transport.Peer{Host: host, Port: port}
	var n *node.Node
	tr := transport.NewTCPTransport(host, port, cfg.DiscoveryPort, func(env message.Envelope) {
		n.Enqueue(env)
	}, logger)

	n = node.New(cfg, bc, w, minerAddr, role, self, tr, logger)

	for _, raw := range c.StringSlice("peer") {
		p, err := parsePeer(raw)
		if err != nil {
			logger.Warnw("skipping malformed peer flag", "value", raw, "error", err)
			continue
		}
		tr.AddPeer(p)
	}

	logger.Infow("starting node", "host", host, "port", port, "role", role)
	n.Start()

	select {}
}

func parsePeer(raw string) (transport.Peer, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return transport.Peer{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.Peer{}, err
	}
	return transport.Peer{Host: host, Port: port}, nil
}

func runRequestChain(c *cli.Context) error {
	peerRaw := c.String("peer")
	if peerRaw == "" {
		return errors.New("cli: -peer is required")
	}
	peer, err := parsePeer(peerRaw)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer logger.Sync()

	replies := make(chan []core.Block, 8)
	localPort := c.Int("port")
	listener := transport.NewTCPTransport("0.0.0.0", localPort, 0, func(env message.Envelope) {
		if env.Type != message.TypeChain {
			return
		}
		blocks, err := message.DecodeChain(env)
		if err != nil {
			return
		}
		replies <- blocks
	}, logger)

	go listener.Listen()
	defer listener.Close()

	if err := listener.SendTo(peer, message.EncodeRequestChain()); err != nil {
		return err
	}

	var best []core.Block
	deadline := time.After(5 * time.Second)
	for {
		select {
		case blocks := <-replies:
			if len(blocks) > len(best) {
				best = blocks
			}
		case <-deadline:
			if best == nil {
				return errors.New("cli: no reply received")
			}
			fmt.Printf("longest chain seen: %d blocks\n", len(best))
			return nil
		}
	}
}

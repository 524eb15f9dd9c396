// cmd/paystatus prints the settlement contract's recorded state for a
// payment id. Operator tool for checking a stuck verification by hand.
//
//	paystatus --payment pay_123 [--artifact build/PaymentProcessor.json]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/chain"
	"github.com/veloshop/chainpay/internal/config"
	"github.com/veloshop/chainpay/internal/contract"
)

func main() {
	paymentID := flag.String("payment", "", "payment id to query")
	artifact := flag.String("artifact", "", "override contract artifact path")
	flag.Parse()

	if *paymentID == "" {
		fmt.Fprintln(os.Stderr, "usage: paystatus --payment <id>")
		os.Exit(2)
	}

	log := zap.NewNop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *artifact != "" {
		cfg.Contract.ArtifactPath = *artifact
	}

	ctx := context.Background()

	loader := contract.NewLoader(
		contract.FileSource{Path: cfg.Contract.ArtifactPath},
		cfg.Chain.NetworkID,
		log,
	)

	mgr := chain.NewManager(chain.EthDialer{}, cfg.Chain.RPCURL, cfg.Chain.WSURL, log)
	if err := mgr.ReconnectCall(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	ledger := chain.NewLedger(mgr, loader)
	status, err := ledger.PaymentStatus(ctx, *paymentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("payer:     %s\n", status.Payer.Hex())
	fmt.Printf("amount:    %s\n", status.Amount)
	fmt.Printf("date:      %s\n", status.Date)
	fmt.Printf("token:     %s\n", status.Token.Hex())
	fmt.Printf("completed: %t\n", status.Completed)
}

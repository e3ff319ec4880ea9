package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"example.com/lsm-engine/internal/config"
	"example.com/lsm-engine/pkg/lsm"
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file with LSM_* settings")
	flag.Parse()

	opts, err := config.LoadOptions(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	opts.Logger = logrus.StandardLogger()

	db, err := lsm.Open(opts)
	if err != nil {
		logrus.WithError(err).Fatal("open db")
	}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("fruit-%02d", i)
		v := fmt.Sprintf("val-%d", i)
		if err := db.Put(ctx, []byte(k), []byte(v), nil); err != nil {
			logrus.WithError(err).Fatal("put")
		}
	}
	if err := db.Delete(ctx, []byte("fruit-03"), &lsm.WriteOptions{Sync: true}); err != nil {
		logrus.WithError(err).Fatal("delete")
	}

	// Flush to L0, then rewrite everything into L1
	if err := db.ForceFlush(ctx); err != nil {
		logrus.WithError(err).Fatal("flush")
	}
	if err := db.ForceFullCompaction(ctx); err != nil {
		logrus.WithError(err).Fatal("compact")
	}

	val, ok, err := db.Get(ctx, []byte("fruit-01"))
	if err != nil {
		logrus.WithError(err).Fatal("get")
	}
	fmt.Printf("Get(fruit-01) => ok=%v, val=%s\n", ok, string(val))

	it, err := db.Scan(ctx, lsm.IncludedBound([]byte("fruit-02")), lsm.ExcludedBound([]byte("fruit-06")))
	if err != nil {
		logrus.WithError(err).Fatal("scan")
	}
	for it.IsValid() {
		fmt.Printf("  %s = %s\n", it.Key(), it.Value())
		if err := it.Next(); err != nil {
			logrus.WithError(err).Error("scan aborted")
			break
		}
	}

	st := db.Stats()
	fmt.Printf("stats: l0=%d l1=%d imm=%d filter_fill=%.3f\n", st.L0Tables, st.L1Tables, st.ImmMemTables, st.FilterFillRatio)

	if err := db.Close(); err != nil {
		logrus.WithError(err).Error("close")
		os.Exit(1)
	}
}

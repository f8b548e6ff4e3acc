// cmd/rollupctl/main.go
// 运维工具：查看状态库、回滚、本地模拟出块
package main

import (
	"flag"
	"fmt"
	"log"
	"math/big"
	"path/filepath"
	"strconv"

	"rollup/config"
	"rollup/kv"
	"rollup/logs"
	"rollup/statedb"
	"rollup/txpool"
)

var (
	configFile = flag.String("config", "", "配置文件路径，空则使用默认配置")
	batches    = flag.Int("batches", 5, "simulate: 生成批次数量")
	users      = flag.Int("users", 8, "simulate: 模拟用户数量")
	seed       = flag.Int64("seed", 1, "simulate: 随机种子")
)

func usage() {
	fmt.Println(`usage: rollupctl [flags] <command> [args]

commands:
  info                 last batch, roots, idx
  account <idx>        print one account leaf
  batch <n>            print a batch record
  exit <n> <coin> <ax> <ay>
                       exit tree proof for an account at batch n
  rollback <n>         roll the state back to batch n
  simulate             random deposits and transfers through the pool`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		return
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if err := logs.Init(cfg.Log); err != nil {
		log.Fatalf("init logs: %v", err)
	}

	store, err := kv.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	sdb, err := statedb.Open(store, cfg.StateDB, statedb.WithNodeCacheSize(cfg.Database.NodeCacheSize))
	if err != nil {
		log.Fatalf("Failed to open state: %v", err)
	}

	args := flag.Args()
	switch args[0] {
	case "info":
		printInfo(sdb)
	case "account":
		idx := mustUint(args, 1)
		a, err := sdb.GetStateByIdx(idx)
		if err != nil {
			log.Fatalf("account %d: %v", idx, err)
		}
		if a == nil {
			fmt.Printf("account %d not found\n", idx)
			return
		}
		fmt.Println(a)
	case "batch":
		n := mustUint(args, 1)
		rec, err := sdb.BatchRecord(n)
		if err != nil {
			log.Fatalf("batch %d: %v", n, err)
		}
		fmt.Printf("batch=%d stateRoot=%x exitRoot=%x\n", rec.Number, rec.StateRoot, rec.ExitRoot)
	case "exit":
		printExit(sdb, args)
	case "rollback":
		n := mustUint(args, 1)
		if err := sdb.RollbackToBatch(n); err != nil {
			log.Fatalf("rollback to %d: %v", n, err)
		}
		printInfo(sdb)
	case "simulate":
		poolCfg := cfg.Database
		if poolCfg.Backend != kv.BackendMemory {
			poolCfg.DataDir = filepath.Join(cfg.Database.DataDir, "pool")
		}
		poolStore, err := kv.Open(poolCfg)
		if err != nil {
			log.Fatalf("Failed to open pool store: %v", err)
		}
		defer poolStore.Close()
		pool, err := txpool.New(sdb, poolStore, cfg.TxPool)
		if err != nil {
			log.Fatalf("Failed to open pool: %v", err)
		}
		sim := newSimulator(sdb, pool, *users, *seed)
		if err := sim.run(*batches); err != nil {
			log.Fatalf("simulate: %v", err)
		}
		printInfo(sdb)
	default:
		usage()
	}
}

func printInfo(sdb *statedb.StateDB) {
	fmt.Printf("lastBatch=%d stateRoot=%x exitRoot=%x lastIdx=%d\n",
		sdb.LastBatch(), sdb.StateRoot(), sdb.ExitRoot(), sdb.InitialIdx())
}

func printExit(sdb *statedb.StateDB, args []string) {
	n := mustUint(args, 1)
	coin := mustUint(args, 2)
	if coin > 0xffff {
		log.Fatalf("coin %d out of range", coin)
	}
	ax, ok1 := new(big.Int).SetString(arg(args, 3), 0)
	ay, ok2 := new(big.Int).SetString(arg(args, 4), 0)
	if !ok1 || !ok2 {
		log.Fatalf("bad public key")
	}
	info, err := sdb.GetExitTreeInfo(n, uint16(coin), ax, ay)
	if err != nil {
		log.Fatalf("exit info: %v", err)
	}
	fmt.Printf("found=%v batch=%d idx=%d exitRoot=%x\n", info.Found, info.BatchNumber, info.Idx, info.ExitRoot)
	if info.State != nil {
		fmt.Println(info.State)
	}
	for i, s := range info.Siblings {
		fmt.Printf("  sibling[%d]=%s\n", i, s)
	}
}

func arg(args []string, i int) string {
	if i >= len(args) {
		log.Fatalf("missing argument %d", i)
	}
	return args[i]
}

func mustUint(args []string, i int) uint64 {
	v, err := strconv.ParseUint(arg(args, i), 10, 64)
	if err != nil {
		log.Fatalf("bad number %q: %v", args[i], err)
	}
	return v
}

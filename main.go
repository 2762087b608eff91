package main

import (
	"context"
	"nnas/certificate"
	"nnas/common"
	"nnas/database"
	"nnas/device"
	"nnas/keys"
	"nnas/logging"
	"nnas/nasc"
	"nnas/nnas"
	"sync"

	"github.com/logrusorgru/aurora/v3"
)

func openStore(ctx context.Context, config common.Config) database.Store {
	if *config.StorageType == common.StorageMemory {
		logging.Warn("MAIN", "Using the in-memory store; accounts will not survive a restart")
		return database.NewMemoryStore()
	}

	pool, err := database.Connect(ctx, config)
	if err != nil {
		panic(err)
	}

	err = database.CreateTables(pool, ctx)
	if err != nil {
		panic(err)
	}

	return database.NewPostgresStore(pool)
}

func main() {
	config := common.GetConfig()
	logging.SetLevel(*config.LogLevel)
	defer logging.Sync()

	ctx := context.Background()
	store := openStore(ctx, config)

	verifier, err := certificate.NewVerifier(config.LFCSModulus, config.WiiUDeviceKey, config.CTRDeviceKey)
	if err != nil {
		panic(err)
	}

	keyStore := keys.NewStore(config.KeysPath)
	logging.Notice("MAIN", "Loading token keys from", aurora.BrightCyan(keyStore.Root()))

	nascHandler := &nasc.Handler{
		Store:    store,
		Keys:     keyStore,
		Verifier: verifier,
	}

	nnasHandler := &nnas.Handler{
		Store:   store,
		Keys:    keyStore,
		Devices: &device.Evaluator{Store: store, Verifier: verifier},
	}

	wg := &sync.WaitGroup{}
	actions := []func(){
		func() { nasc.StartServer(config, nascHandler) },
		func() { nnas.StartServer(config, nnasHandler) },
	}
	wg.Add(len(actions))
	for _, action := range actions {
		go func(ac func()) {
			defer wg.Done()
			ac()
		}(action)
	}

	wg.Wait()
}

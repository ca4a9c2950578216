package cli

import (
	"github.com/pkgforge-go/soar/internal/apply"
	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/registry"
	"github.com/pkgforge-go/soar/internal/remove"
	"github.com/pkgforge-go/soar/internal/resolve"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/update"
)

// newInstaller builds an Installer over the current context's state
// store and event bus, honoring the --no-verify flag.
func newInstaller() (*install.Installer, error) {
	state, err := appCtx.State()
	if err != nil {
		return nil, err
	}
	return install.New(state, appCtx.Bus, install.Options{
		ParallelLimit:   appCtx.Config.ParallelLimit,
		GHCRConcurrency: appCtx.Config.GHCRConcurrency,
		NoVerify:        noVerifyFlag,
		SignatureVerify: appCtx.Config.SignatureVerificationFor,
	}), nil
}

func newRemover(inst *install.Installer) (*remove.Remover, error) {
	state, err := appCtx.State()
	if err != nil {
		return nil, err
	}
	return remove.New(state, appCtx.Bus, inst, remove.Options{}), nil
}

func newResolver() (*resolve.Resolver, error) {
	state, err := appCtx.State()
	if err != nil {
		return nil, err
	}
	catalogs, err := appCtx.Catalogs()
	if err != nil {
		return nil, err
	}
	return &resolve.Resolver{Catalogs: catalogs, State: state, Force: forceFlag}, nil
}

func newUpdater(inst *install.Installer, keepOld bool) (*update.Updater, error) {
	state, err := appCtx.State()
	if err != nil {
		return nil, err
	}
	catalogs, err := appCtx.Catalogs()
	if err != nil {
		return nil, err
	}
	return update.New(state, catalogs, inst, appCtx.Bus, keepOld), nil
}

func newReconciler(inst *install.Installer, rem *remove.Remover, opts apply.Options) (*apply.Reconciler, error) {
	state, err := appCtx.State()
	if err != nil {
		return nil, err
	}
	catalogs, err := appCtx.Catalogs()
	if err != nil {
		return nil, err
	}
	return apply.New(state, catalogs, inst, rem, appCtx.Bus, soardir.PackagesConfigFile(), opts), nil
}

func newSyncer(force bool) (*registry.Syncer, error) {
	state, err := appCtx.State()
	if err != nil {
		return nil, err
	}
	sy := registry.New(state, appCtx.Bus)
	sy.Force = force
	return sy, nil
}

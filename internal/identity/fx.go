package identity

import (
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("identity",
	fx.Provide(NewVerifier),
	fx.Provide(NewDirectory),
	fx.Provide(func(d *Directory) entdomain.OwnerDirectory { return d }),
)

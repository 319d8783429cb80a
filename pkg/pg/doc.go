// Package pg bootstraps PostgreSQL access on top of pgx/v5.
//
// Connect opens a *pgxpool.Pool with retries, Migrate applies embedded goose
// migrations through the same pool, Healthcheck feeds the HTTP health
// endpoint and WithTx wraps a unit of work in a transaction:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, migrations.FS, cfg, log); err != nil {
//		return err
//	}
//
//	err = pg.WithTx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
//		_, err := tx.Exec(ctx, "UPDATE entitlements SET tier = $1 WHERE user_id = $2", t, id)
//		return err
//	})
//
// IsDuplicateKeyError and IsNotFoundError classify driver errors so stores
// can translate them into their own sentinel errors.
package pg

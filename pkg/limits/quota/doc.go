// Package quota manages prepaid token pools per owner and provider.
//
// A pool is created by the first top-up and never deleted. Reservations
// debit it, releases credit it back, and when a reset window is configured
// the remaining balance is restored to the purchased total once the window
// expires. The caller's tier may cap the remaining balance.
//
// Pools belong to either a user or an organization:
//
//	owner := quota.UserOwner(userID)
//	res, err := svc.Reserve(ctx, owner, "openai", 500, tier)
//	if err != nil {
//	    return err
//	}
//	if !res.Allowed {
//	    // insufficient quota
//	}
//
// # Locking
//
// Every mutation reads the pool and writes it back in one transaction. On
// Postgres the read takes a row lock with SELECT ... FOR UPDATE. On SQLite
// the write is a compare-and-swap on the version column, retried up to
// Config.MaxRetries times before ErrConcurrentUpdate is returned.
//
// # Enforcement
//
// When enforcement is switched off Reserve always allows and never writes;
// Release becomes a no-op. AddTokens always applies so purchases are never
// lost while enforcement is paused.
package quota

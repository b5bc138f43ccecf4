// Package account implements the sign-up hooks and the self-service reads of
// identity records.
//
// Sign-up runs in two steps. The pre-sign-up hook creates the record for a
// client-generated gk_user_id and hash key; the post-confirmation hook
// records the confirmed user name once the presented hash key reproduces the
// stored hash. Players signing in through a federated provider skip both
// hooks and are created by the handoff flow instead.
package account

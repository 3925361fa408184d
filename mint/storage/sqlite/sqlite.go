// Package sqlite implements the mint storage interface on sqlite3.
package sqlite

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut05"
	"github.com/openecash/mintd/mint/storage"
)

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path, migrationPath string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer. Writes from concurrent requests
	// queue on the connection instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationPath), fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed) VALUES (?, ?)
	`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = 'id'")
	err := row.Scan(&hexSeed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk) VALUES (?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPathIdx, keyset.InputFeePpk)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT id, unit, active, derivation_path_idx, input_fee_ppk FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	query := `SELECT y, amount, keyset_id, secret, c FROM proofs WHERE y in (?` +
		strings.Repeat(",?", len(Ys)-1) + `)`

	rows, err := sqlite.db.Query(query, toArgs(Ys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofs(rows, false)
}

func (sqlite *SQLiteDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	query := `SELECT y, amount, keyset_id, secret, c, melt_quote_id FROM pending_proofs WHERE y in (?` +
		strings.Repeat(",?", len(Ys)-1) + `)`

	rows, err := sqlite.db.Query(query, toArgs(Ys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofs(rows, true)
}

func (sqlite *SQLiteDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(
		"SELECT y, amount, keyset_id, secret, c, melt_quote_id FROM pending_proofs WHERE melt_quote_id = ?",
		quoteId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofs(rows, true)
}

func (sqlite *SQLiteDB) SpendProofs(proofs []storage.DBProof, signatures []storage.DBBlindSignature) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkProofsSpendable(tx, proofs); err != nil {
		return err
	}
	if err := insertProofs(tx, proofs); err != nil {
		return err
	}
	if err := insertBlindSignatures(tx, signatures); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
	)

	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, payment_request, payment_hash, amount, state, expiry FROM mint_quotes WHERE id = ?",
		quoteId,
	)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, payment_request, payment_hash, amount, state, expiry FROM mint_quotes WHERE payment_hash = ?",
		paymentHash,
	)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateConflict
	}
	return nil
}

func (sqlite *SQLiteDB) IssueMintQuote(quoteId string, signatures []storage.DBBlindSignature) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		nut04.Issued.String(), quoteId, nut04.Paid.String(),
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateConflict
	}

	if err := insertBlindSignatures(tx, signatures); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
	)

	return err
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, change_outputs FROM melt_quotes WHERE id = ?",
		quoteId,
	)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, change_outputs FROM melt_quotes WHERE request = ?",
		request,
	)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) ReserveMeltQuote(quoteId string, proofs []storage.DBProof, changeOutputs cashu.BlindedMessages) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkProofsSpendable(tx, proofs); err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		"INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, melt_quote_id) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		if _, err := stmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C, quoteId); err != nil {
			return err
		}
	}

	var jsonOutputs any
	if len(changeOutputs) > 0 {
		marshaled, err := json.Marshal(changeOutputs)
		if err != nil {
			return err
		}
		jsonOutputs = string(marshaled)
	}

	result, err := tx.Exec(
		"UPDATE melt_quotes SET state = ?, change_outputs = ? WHERE id = ? AND state = ?",
		nut05.Pending.String(), jsonOutputs, quoteId, nut05.Unpaid.String(),
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateConflict
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SettleMeltQuote(quoteId, preimage string, change []storage.DBBlindSignature) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT y, amount, keyset_id, secret, c, melt_quote_id FROM pending_proofs WHERE melt_quote_id = ?",
		quoteId,
	)
	if err != nil {
		return err
	}
	pending, err := scanProofs(rows, true)
	rows.Close()
	if err != nil {
		return err
	}

	if err := insertProofs(tx, pending); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM pending_proofs WHERE melt_quote_id = ?", quoteId); err != nil {
		return err
	}

	result, err := tx.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ?, change_outputs = NULL WHERE id = ? AND state = ?",
		nut05.Paid.String(), preimage, quoteId, nut05.Pending.String(),
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateConflict
	}

	if err := insertBlindSignatures(tx, change); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) UnreserveMeltQuote(quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pending_proofs WHERE melt_quote_id = ?", quoteId); err != nil {
		return err
	}

	result, err := tx.Exec(
		"UPDATE melt_quotes SET state = ?, change_outputs = NULL WHERE id = ? AND state = ?",
		nut05.Unpaid.String(), quoteId, nut05.Pending.String(),
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateConflict
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)

	var signature cashu.BlindedSignature
	var e sql.NullString
	var s sql.NullString

	err := row.Scan(
		&signature.Amount,
		&signature.C_,
		&signature.Id,
		&e,
		&s,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return cashu.BlindedSignature{}, storage.ErrNotFound
		}
		return cashu.BlindedSignature{}, err
	}

	if e.Valid && s.Valid {
		signature.DLEQ = &cashu.DLEQProof{
			E: e.String,
			S: s.String,
		}
	}

	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	if len(B_s) == 0 {
		return signatures, nil
	}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` +
		strings.Repeat(",?", len(B_s)-1) + `)`

	rows, err := sqlite.db.Query(query, toArgs(B_s)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		var e sql.NullString
		var s sql.NullString

		err := rows.Scan(
			&signature.Amount,
			&signature.C_,
			&signature.Id,
			&e,
			&s,
		)
		if err != nil {
			return nil, err
		}

		if e.Valid && s.Valid {
			signature.DLEQ = &cashu.DLEQProof{
				E: e.String,
				S: s.String,
			}
		}

		signatures = append(signatures, signature)
	}

	return signatures, rows.Err()
}

func (sqlite *SQLiteDB) GetBalance() (uint64, error) {
	var issued, redeemed uint64

	row := sqlite.db.QueryRow("SELECT COALESCE(SUM(amount), 0) FROM blind_signatures")
	if err := row.Scan(&issued); err != nil {
		return 0, err
	}
	row = sqlite.db.QueryRow("SELECT COALESCE(SUM(amount), 0) FROM proofs")
	if err := row.Scan(&redeemed); err != nil {
		return 0, err
	}

	if redeemed > issued {
		return 0, nil
	}
	return issued - redeemed, nil
}

func (sqlite *SQLiteDB) GetIssuedByKeyset() (map[string]uint64, error) {
	return sqlite.sumByKeyset("SELECT keyset_id, COALESCE(SUM(amount), 0) FROM blind_signatures GROUP BY keyset_id")
}

func (sqlite *SQLiteDB) GetRedeemedByKeyset() (map[string]uint64, error) {
	return sqlite.sumByKeyset("SELECT keyset_id, COALESCE(SUM(amount), 0) FROM proofs GROUP BY keyset_id")
}

func (sqlite *SQLiteDB) sumByKeyset(query string) (map[string]uint64, error) {
	rows, err := sqlite.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amounts := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		amounts[keysetId] = amount
	}
	return amounts, rows.Err()
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func scanProofs(rows *sql.Rows, pending bool) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var err error
		if pending {
			err = rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &proof.MeltQuoteId)
		} else {
			err = rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C)
		}
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.MintQuote{}, storage.ErrNotFound
		}
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	return mintQuote, nil
}

func scanMeltQuote(row *sql.Row) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string
	var changeOutputs sql.NullString

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
		&changeOutputs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.MeltQuote{}, storage.ErrNotFound
		}
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)
	if changeOutputs.Valid && changeOutputs.String != "" {
		if err := json.Unmarshal([]byte(changeOutputs.String), &meltQuote.ChangeOutputs); err != nil {
			return storage.MeltQuote{}, err
		}
	}

	return meltQuote, nil
}

// checkProofsSpendable fails if any proof is already spent or reserved
// by an in-flight melt. Runs inside the caller's transaction so the
// check and the following inserts are atomic.
func checkProofsSpendable(tx *sql.Tx, proofs []storage.DBProof) error {
	if len(proofs) == 0 {
		return nil
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	placeholders := `(?` + strings.Repeat(",?", len(Ys)-1) + `)`

	var count int
	row := tx.QueryRow(`SELECT COUNT(*) FROM proofs WHERE y in `+placeholders, toArgs(Ys)...)
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrProofAlreadyUsed
	}

	row = tx.QueryRow(`SELECT COUNT(*) FROM pending_proofs WHERE y in `+placeholders, toArgs(Ys)...)
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrProofPending
	}

	return nil
}

func insertProofs(tx *sql.Tx, proofs []storage.DBProof) error {
	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		if _, err := stmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C); err != nil {
			return err
		}
	}
	return nil
}

func insertBlindSignatures(tx *sql.Tx, signatures []storage.DBBlindSignature) error {
	if len(signatures) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(
		"INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, signature := range signatures {
		_, err := stmt.Exec(
			signature.B_,
			signature.C_,
			signature.Id,
			signature.Amount,
			signature.DLEQe,
			signature.DLEQs,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

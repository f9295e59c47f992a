// Command proof-verify offline-checks the event_log hash chain described in
// SPEC_FULL.md §3, either against a CSV export (teacher's original mode:
// prev_hash/hash linkage and the head hash only, no hash recomputation) or
// directly against a live database (-dsn), where internal/eventlog's
// VerifyChain recomputes every hash with the same code the server runs inline.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"walletledger/internal/eventlog"
)

type csvRow struct {
	Seq     string
	PrevHex string
	HashHex string
}

func main() {
	var (
		inPath   = flag.String("in", "", "CSV exported with columns seq, prev_hash_hex, hash_hex")
		headHash = flag.String("head", "", "expected head hash hex (required with -in)")
		dsn      = flag.String("dsn", "", "Postgres DSN to verify event_log directly instead of a CSV export")
		aggType  = flag.String("aggregate-type", "", "restrict -dsn verification to one aggregate_type (e.g. BALANCE)")
	)
	flag.Parse()

	if *dsn != "" {
		verifyFromDB(*dsn, *aggType)
		return
	}
	verifyFromCSV(*inPath, *headHash)
}

func verifyFromDB(dsn, aggregateType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(2)
	}
	defer conn.Close(ctx)

	query := `SELECT seq, payload_canonical, prev_hash, hash FROM event_log`
	args := []any{}
	if aggregateType != "" {
		query += ` WHERE aggregate_type = $1`
		args = append(args, aggregateType)
	}
	query += ` ORDER BY seq ASC`

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(2)
	}
	defer rows.Close()

	var chain []eventlog.Row
	for rows.Next() {
		var r eventlog.Row
		if err := rows.Scan(&r.Seq, &r.PayloadCanonical, &r.PrevHash, &r.Hash); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(2)
		}
		chain = append(chain, r)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(2)
	}
	if len(chain) == 0 {
		fmt.Fprintln(os.Stderr, "FAIL: no event_log rows found")
		os.Exit(1)
	}

	ok, brokenAt := eventlog.VerifyChain(chain)
	if !ok {
		fmt.Fprintf(os.Stderr, "FAIL: chain broken at seq=%d\n", brokenAt)
		os.Exit(1)
	}
	fmt.Printf("OK: chain verified (%d rows). head_seq=%d head=%s\n", len(chain), chain[len(chain)-1].Seq, hex.EncodeToString(chain[len(chain)-1].Hash))
}

func verifyFromCSV(inPath, headHash string) {
	if inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in (or pass -dsn to verify a live database)")
		os.Exit(2)
	}
	if headHash == "" {
		fmt.Fprintln(os.Stderr, "missing -head")
		os.Exit(2)
	}

	f, err := os.Open(inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(2)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(2)
	}

	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, need := range []string{"seq", "prev_hash_hex", "hash_hex"} {
		if _, ok := col[need]; !ok {
			fmt.Fprintln(os.Stderr, "missing column:", need)
			os.Exit(2)
		}
	}

	var (
		lineNo      = 1
		prevHashHex string
		lastHashHex string
		rows        int
	)

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			fmt.Fprintln(os.Stderr, "csv read:", err)
			os.Exit(2)
		}

		cur := csvRow{
			Seq:     rec[col["seq"]],
			PrevHex: strings.ToLower(strings.TrimSpace(rec[col["prev_hash_hex"]])),
			HashHex: strings.ToLower(strings.TrimSpace(rec[col["hash_hex"]])),
		}

		if _, err := hex.DecodeString(cur.PrevHex); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: invalid prev_hash_hex: %v\n", lineNo, err)
			os.Exit(1)
		}
		if _, err := hex.DecodeString(cur.HashHex); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: invalid hash_hex: %v\n", lineNo, err)
			os.Exit(1)
		}

		if rows > 0 && cur.PrevHex != prevHashHex {
			fmt.Fprintf(os.Stderr, "FAIL: prev_hash mismatch at seq=%s line=%d\nexpected=%s\ngot=%s\n",
				cur.Seq, lineNo, prevHashHex, cur.PrevHex)
			os.Exit(1)
		}

		prevHashHex = cur.HashHex
		lastHashHex = cur.HashHex
		rows++
	}

	if rows == 0 {
		fmt.Fprintln(os.Stderr, "FAIL: empty export")
		os.Exit(1)
	}

	if strings.ToLower(strings.TrimSpace(headHash)) != lastHashHex {
		fmt.Fprintf(os.Stderr, "FAIL: head hash mismatch\nexpected=%s\ngot=%s\n", headHash, lastHashHex)
		os.Exit(1)
	}

	fmt.Printf("OK: chain verified (%d rows). head=%s\n", rows, lastHashHex)
}

package nasc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"nnas/certificate"
	"nnas/common"
	"nnas/database"
	"nnas/keys"
	"nnas/token"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

const (
	testTitleID = "0004000000030800"
	testMAC     = "ECC40D123456"
	testSerial  = "CW123456789"
)

var testNow = time.Date(2024, time.March, 1, 12, 30, 45, 0, time.UTC)

type testServer struct {
	handler *Handler
	store   *database.MemoryStore
	keys    *keys.Store
	lfcsKey *rsa.PrivateKey
	fcdcert []byte
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	lfcsKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	verifier, err := certificate.NewVerifier(hex.EncodeToString(lfcsKey.N.FillBytes(make([]byte, 0x100))), "", "")
	if err != nil {
		t.Fatal(err)
	}

	keyStore := keys.NewStore(t.TempDir())
	if err := keyStore.GenerateServerKeys(rand.Reader, keys.KindNEX, "mk7"); err != nil {
		t.Fatal(err)
	}

	store := database.NewMemoryStore()
	err = store.CreateServer(context.Background(), database.Server{
		ServiceName: "mk7",
		ServiceType: database.ServiceTypeNEX,
		IP:          "192.0.2.10",
		Port:        60002,
		TitleIDs:    []string{testTitleID},
		AccessMode:  database.AccessProd,
	})
	if err != nil {
		t.Fatal(err)
	}

	fcdcert, err := certificate.IssueLFCS(rand.Reader, lfcsKey, []byte("lfcs-test-body!!"))
	if err != nil {
		t.Fatal(err)
	}

	return testServer{
		handler: &Handler{
			Store:    store,
			Keys:     keyStore,
			Verifier: verifier,
			Now:      func() time.Time { return testNow },
		},
		store:   store,
		keys:    keyStore,
		lfcsKey: lfcsKey,
		fcdcert: fcdcert,
	}
}

func (s testServer) form(fields map[string]string) url.Values {
	base := map[string]string{
		"action":     "LOGIN",
		"fcdcert":    string(s.fcdcert),
		"csnum":      testSerial,
		"macadr":     testMAC,
		"titleid":    testTitleID,
		"servertype": "L1",
		"gameid":     "00030800",
		"sdkver":     "000000",
	}
	for key, value := range fields {
		if value == "" {
			delete(base, key)
			continue
		}
		base[key] = value
	}

	form := url.Values{}
	for key, value := range base {
		form.Set(key, common.NintendoBase64EncodeString(value))
	}
	return form
}

func (s testServer) handle(t *testing.T, fields map[string]string) Reply {
	t.Helper()

	reply, err := s.handler.HandleRequest(context.Background(), "NASC:test", s.form(fields))
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestRegistration(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	reply := server.handle(t, map[string]string{"passwd": "nexpassword1"})
	if reply.ReturnCode() != "001" {
		t.Fatalf("returncd = %q", reply.ReturnCode())
	}
	if reply["token"] == "" || reply["retry"] != "0" || reply["datetime"] != "20240301123045" {
		t.Errorf("unexpected reply %v", reply)
	}
	if reply["locator"] != "192.0.2.10:60002" {
		t.Errorf("locator = %q", reply["locator"])
	}

	keys, err := server.keys.TokenKeys(token.NEX, "mk7")
	if err != nil {
		t.Fatal(err)
	}

	nexToken, err := token.Decode(keys, token.NEX, reply["token"], token.Base64)
	if err != nil {
		t.Fatal(err)
	}
	if nexToken.PID < minNEXPID || nexToken.PID > maxNEXPID {
		t.Errorf("PID %d out of range", nexToken.PID)
	}
	if nexToken.TitleID != 0x0004000000030800 || nexToken.SystemType != token.System3DS {
		t.Errorf("unexpected token %+v", nexToken)
	}
	if nexToken.Expired(testNow.Add(59*time.Minute)) || !nexToken.Expired(testNow.Add(61*time.Minute)) {
		t.Error("NEX token does not last one hour")
	}

	account, err := server.store.GetNEXAccountByPID(ctx, nexToken.PID)
	if err != nil {
		t.Fatal(err)
	}
	if account.OwningPID != account.PID || account.Password != "nexpassword1" || account.DeviceType != "3ds" {
		t.Errorf("unexpected account %+v", account)
	}

	device, err := server.store.GetDeviceByFCDCertHash(ctx, certificate.HashBytes(server.fcdcert))
	if err != nil {
		t.Fatal(err)
	}
	if !device.Linked(account.PID) || device.Model != "ctr" || device.Serial != testSerial || device.Environment != "L1" {
		t.Errorf("unexpected device %+v", device)
	}
	if device.MACHash != MACHash("ecc40d123456") {
		t.Error("MAC hash not stored")
	}
}

func TestUnknownSerialCreatesNothing(t *testing.T) {
	server := newTestServer(t)
	server.handler.RandomPID = func() uint32 { return 1234567890 }

	reply := server.handle(t, map[string]string{"passwd": "nexpassword1", "csnum": "ZW123456789"})
	if reply.ReturnCode() != "null" {
		t.Fatalf("returncd = %q", reply.ReturnCode())
	}

	ctx := context.Background()
	if _, err := server.store.GetNEXAccountByPID(ctx, 1234567890); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("account created: %v", err)
	}
	if _, err := server.store.GetDeviceBySerial(ctx, "ZW123456789"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("device created: %v", err)
	}
}

func TestRejections(t *testing.T) {
	server := newTestServer(t)

	tampered := append([]byte(nil), server.fcdcert...)
	tampered[0x108] ^= 0x01

	tests := []struct {
		name   string
		fields map[string]string
		expect string
	}{
		{"unknown action", map[string]string{"action": "ACCTCREATE"}, "null"},
		{"missing mac", map[string]string{"macadr": ""}, "null"},
		{"missing servertype", map[string]string{"servertype": ""}, "null"},
		{"foreign OUI", map[string]string{"macadr": "FFFFFF123456"}, "null"},
		{"short MAC", map[string]string{"macadr": "ECC40D12345"}, "null"},
		{"tampered certificate", map[string]string{"fcdcert": string(tampered)}, "121"},
		{"garbage certificate", map[string]string{"fcdcert": "garbage"}, "121"},
		{"unknown pid", map[string]string{"userid": "1000000005"}, "102"},
		{"no account", map[string]string{}, "null"},
	}

	for _, test := range tests {
		reply := server.handle(t, test.fields)
		if reply.ReturnCode() != test.expect {
			t.Errorf("%s: returncd = %q, want %q", test.name, reply.ReturnCode(), test.expect)
		}
		if reply["retry"] != "1" {
			t.Errorf("%s: error reply without retry", test.name)
		}
	}
}

func TestMalformedFieldEncoding(t *testing.T) {
	server := newTestServer(t)

	form := server.form(nil)
	form.Set("csnum", "not*valid*base64!")

	reply, err := server.handler.HandleRequest(context.Background(), "NASC:test", form)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ReturnCode() != "null" {
		t.Errorf("returncd = %q", reply.ReturnCode())
	}
}

func TestExistingAccountLogin(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	account := database.NEXAccount{PID: 1500000000, OwningPID: 1500000000, Password: "pw", DeviceType: "3ds"}
	if err := server.store.CreateNEXAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	reply := server.handle(t, map[string]string{"userid": "1500000000", "uidhmac": "00000000"})
	if reply.ReturnCode() != "001" {
		t.Fatalf("returncd = %q", reply.ReturnCode())
	}

	device, err := server.store.GetDeviceByFCDCertHash(ctx, certificate.HashBytes(server.fcdcert))
	if err != nil {
		t.Fatal(err)
	}
	if !device.Linked(1500000000) {
		t.Error("device not linked to the logging in PID")
	}

	// Logging in again must not duplicate the link
	server.handle(t, map[string]string{"userid": "1500000000"})
	device, err = server.store.GetDeviceByFCDCertHash(ctx, certificate.HashBytes(server.fcdcert))
	if err != nil || len(device.LinkedPIDs) != 1 {
		t.Errorf("linked pids = %v, %v", device.LinkedPIDs, err)
	}
}

func TestBannedAccountAndDevice(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	banned := database.NEXAccount{PID: 1500000001, OwningPID: 1500000001, DeviceType: "3ds", AccessLevel: -1}
	if err := server.store.CreateNEXAccount(ctx, banned); err != nil {
		t.Fatal(err)
	}

	if reply := server.handle(t, map[string]string{"userid": "1500000001"}); reply.ReturnCode() != "102" {
		t.Errorf("banned account: returncd = %q", reply.ReturnCode())
	}

	device := database.Device{Model: "ctr", FCDCertHash: certificate.HashBytes(server.fcdcert), AccessLevel: -1}
	if err := server.store.CreateDevice(ctx, &device); err != nil {
		t.Fatal(err)
	}

	if reply := server.handle(t, map[string]string{"passwd": "pw"}); reply.ReturnCode() != "102" {
		t.Errorf("banned device: returncd = %q", reply.ReturnCode())
	}
}

func TestServerNotFound(t *testing.T) {
	server := newTestServer(t)

	reply := server.handle(t, map[string]string{"passwd": "pw", "titleid": "000400000FFFFF00"})
	if reply.ReturnCode() != "110" {
		t.Errorf("returncd = %q", reply.ReturnCode())
	}
}

func TestServiceLocation(t *testing.T) {
	server := newTestServer(t)

	reply := server.handle(t, map[string]string{"action": "SVCLOC", "svc": "0000"})
	if reply.ReturnCode() != "007" {
		t.Fatalf("returncd = %q", reply.ReturnCode())
	}
	if reply["servicetoken"] == "" || reply["svchost"] != "n/a" || reply["statusdata"] != "Y" {
		t.Errorf("unexpected reply %v", reply)
	}
}

func TestPIDCollisionRetries(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	taken := database.NEXAccount{PID: 1100000000, OwningPID: 1100000000, DeviceType: "3ds"}
	if err := server.store.CreateNEXAccount(ctx, taken); err != nil {
		t.Fatal(err)
	}

	pids := []uint32{1100000000, 1100000000, 1100000001}
	server.handler.RandomPID = func() uint32 {
		pid := pids[0]
		pids = pids[1:]
		return pid
	}

	reply := server.handle(t, map[string]string{"passwd": "pw"})
	if reply.ReturnCode() != "001" {
		t.Fatalf("returncd = %q", reply.ReturnCode())
	}

	if _, err := server.store.GetNEXAccountByPID(ctx, 1100000001); err != nil {
		t.Errorf("account not created after collision: %v", err)
	}
}

type failingDeviceStore struct {
	database.Store
}

func (s failingDeviceStore) CreateDevice(ctx context.Context, device *database.Device) error {
	return errors.New("device write failed")
}

func (s failingDeviceStore) WithinTransaction(ctx context.Context, fn func(database.Store) error) error {
	return s.Store.WithinTransaction(ctx, func(tx database.Store) error {
		return fn(failingDeviceStore{tx})
	})
}

func TestRegistrationRollsBack(t *testing.T) {
	server := newTestServer(t)
	server.handler.Store = failingDeviceStore{server.store}
	server.handler.RandomPID = func() uint32 { return 1234567890 }

	reply := server.handle(t, map[string]string{"passwd": "pw"})
	if reply.ReturnCode() != "151" {
		t.Fatalf("returncd = %q", reply.ReturnCode())
	}

	if _, err := server.store.GetNEXAccountByPID(context.Background(), 1234567890); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("orphaned NEX account left behind: %v", err)
	}
}

func TestMissingServerKeysIsFatal(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	err := server.store.CreateServer(ctx, database.Server{
		ServiceName: "unkeyed",
		ServiceType: database.ServiceTypeNEX,
		IP:          "192.0.2.11",
		Port:        60003,
		TitleIDs:    []string{"0004000000099900"},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = server.handler.HandleRequest(ctx, "NASC:test", server.form(map[string]string{"passwd": "pw", "titleid": "0004000000099900"}))
	if !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("expected a key store error, got %v", err)
	}
}

func TestReplyEncoding(t *testing.T) {
	encoded := string(Reply{"returncd": "001", "locator": "192.0.2.10:60002"}.Encode())

	if strings.Contains(encoded, "%2A") {
		t.Errorf("padding left percent-escaped: %s", encoded)
	}

	values, err := url.ParseQuery(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if values.Get("returncd") != common.NintendoBase64EncodeString("001") {
		t.Errorf("returncd = %q", values.Get("returncd"))
	}

	locator, err := common.NintendoBase64DecodeString(values.Get("locator"))
	if err != nil || locator != "192.0.2.10:60002" {
		t.Errorf("locator = %q, %v", locator, err)
	}
}

func TestRouter(t *testing.T) {
	server := newTestServer(t)
	router := NewRouter(server.handler)

	body := server.form(map[string]string{"passwd": "pw"}).Encode()
	request := httptest.NewRequest(http.MethodPost, "http://nasc.example.net/ac", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}

	values, err := url.ParseQuery(recorder.Body.String())
	if err != nil {
		t.Fatal(err)
	}
	if returncd, _ := common.NintendoBase64DecodeString(values.Get("returncd")); returncd != "001" {
		t.Errorf("returncd = %q", returncd)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "http://account.example.net/ac", strings.NewReader(body)))
	if recorder.Code != http.StatusNotFound {
		t.Errorf("foreign host: status %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "http://nasc.example.net/ac", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status %d", recorder.Code)
	}
}

// registrationStores returns the server's memory store, plus a Postgres store
// when NNAS_TEST_DATABASE is set. The Postgres run shares the database with
// the database package tests, so run the packages with -p 1.
func registrationStores(t *testing.T, server testServer) map[string]database.Store {
	t.Helper()

	stores := map[string]database.Store{"memory": server.store}

	dsn := os.Getenv("NNAS_TEST_DATABASE")
	if dsn == "" {
		return stores
	}

	ctx := context.Background()
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if err := database.CreateTables(pool, ctx); err != nil {
		t.Fatal(err)
	}

	store := database.NewPostgresStore(pool)
	err = store.CreateServer(ctx, database.Server{
		ServiceName: "mk7",
		ServiceType: database.ServiceTypeNEX,
		IP:          "192.0.2.10",
		Port:        60002,
		TitleIDs:    []string{testTitleID},
		AccessMode:  database.AccessProd,
	})
	if err != nil {
		t.Fatal(err)
	}

	stores["postgres"] = store
	return stores
}

func TestConcurrentRegistration(t *testing.T) {
	const racers = 8

	server := newTestServer(t)
	ctx := context.Background()

	// Unique per run so a reused database holds no device with this serial
	serial := "CW" + certificate.HashBytes(server.fcdcert)[:9]

	for name, store := range registrationStores(t, server) {
		handler := *server.handler
		handler.Store = store

		codes := make([]string, racers)
		errs := make([]error, racers)

		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				form := server.form(map[string]string{"passwd": fmt.Sprintf("nexpassword%d", i), "csnum": serial})
				reply, err := handler.HandleRequest(ctx, "NASC:test", form)
				if err != nil {
					errs[i] = err
					return
				}
				codes[i] = reply.ReturnCode()
			}(i)
		}
		wg.Wait()

		registered := 0
		for i := 0; i < racers; i++ {
			switch {
			case errs[i] != nil:
				t.Errorf("%s: request %d failed: %v", name, i, errs[i])
			case codes[i] == ReturnLogin.Code:
				registered++
			case codes[i] != ReturnRegistrationFailed.Code:
				t.Errorf("%s: request %d: returncd = %q", name, i, codes[i])
			}
		}
		if registered == 0 {
			t.Fatalf("%s: no registration succeeded", name)
		}

		byCert, err := store.GetDeviceByFCDCertHash(ctx, certificate.HashBytes(server.fcdcert))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		bySerial, err := store.GetDeviceBySerial(ctx, serial)
		if err != nil || bySerial.ID != byCert.ID {
			t.Errorf("%s: more than one device record: %v, %v", name, byCert.ID, bySerial.ID)
		}

		if len(byCert.LinkedPIDs) != registered {
			t.Errorf("%s: %d linked PIDs for %d registrations", name, len(byCert.LinkedPIDs), registered)
		}
		for _, pid := range byCert.LinkedPIDs {
			if account, err := store.GetNEXAccountByPID(ctx, pid); err != nil || account.OwningPID != pid {
				t.Errorf("%s: linked PID %d has no committed account: %+v, %v", name, pid, account, err)
			}
		}
	}
}

package goAuthenticator

import (
	"testing"
	"time"
)

func TestTOTPCodeRFCVectors(t *testing.T) {
	cases := []struct {
		algorithm string
		secret    string
		vectors   map[int64]string
	}{
		{
			algorithm: "SHA1",
			secret:    "12345678901234567890",
			vectors: map[int64]string{
				59:          "94287082",
				1111111109:  "07081804",
				1111111111:  "14050471",
				1234567890:  "89005924",
				2000000000:  "69279037",
				20000000000: "65353130",
			},
		},
		{
			algorithm: "SHA256",
			secret:    "12345678901234567890123456789012",
			vectors: map[int64]string{
				59:          "46119246",
				1111111109:  "68084774",
				1111111111:  "67062674",
				1234567890:  "91819424",
				2000000000:  "90698825",
				20000000000: "77737706",
			},
		},
		{
			algorithm: "SHA512",
			secret:    "1234567890123456789012345678901234567890123456789012345678901234",
			vectors: map[int64]string{
				59:          "90693936",
				1111111109:  "25091201",
				1111111111:  "99943326",
				1234567890:  "93441116",
				2000000000:  "38618901",
				20000000000: "47863826",
			},
		},
	}

	for _, tc := range cases {
		o := &OTPMechanism{
			Type:      OTPTypeTOTP,
			Secret:    []byte(tc.secret),
			Algorithm: tc.algorithm,
			Digits:    8,
			Period:    30,
		}
		for ts, want := range tc.vectors {
			now := time.Unix(ts, 0)
			got, err := o.Code(now)
			if err != nil || got != want {
				t.Fatalf("%s at t=%d: got %q err=%v, want %q", tc.algorithm, ts, got, err, want)
			}
			ok, _, err := o.Verify(want, now, 0)
			if err != nil || !ok {
				t.Fatalf("%s verify at t=%d failed: ok=%v err=%v", tc.algorithm, ts, ok, err)
			}
		}
	}
}

func TestHOTPCodeRFCVectors(t *testing.T) {
	want := []string{"755224", "287082", "359152", "969429", "338314", "254676", "287922", "162583", "399871", "520489"}
	for counter, code := range want {
		o := &OTPMechanism{
			Type:    OTPTypeHOTP,
			Secret:  []byte("12345678901234567890"),
			Digits:  6,
			Counter: int64(counter),
		}
		got, err := o.Code(time.Time{})
		if err != nil || got != code {
			t.Fatalf("counter %d: got %q err=%v, want %q", counter, got, err, code)
		}
	}
}

func TestOTPVerifySkewAndHOTPLookAhead(t *testing.T) {
	totp := &OTPMechanism{Type: OTPTypeTOTP, Secret: []byte("12345678901234567890"), Algorithm: "SHA1", Digits: 8, Period: 30}
	now := time.Unix(1111111111, 0)
	prev, _ := totp.Code(now.Add(-30 * time.Second))
	if ok, _, _ := totp.Verify(prev, now, 0); ok {
		t.Fatal("previous step must fail without skew")
	}
	if ok, _, _ := totp.Verify(prev, now, 1); !ok {
		t.Fatal("previous step must pass with skew 1")
	}
	if ok, _, _ := totp.Verify("1234", now, 1); ok {
		t.Fatal("wrong length must fail")
	}

	hotp := &OTPMechanism{Type: OTPTypeHOTP, Secret: []byte("12345678901234567890"), Digits: 6, Counter: 3}
	ok, counter, err := hotp.Verify("338314", time.Time{}, 1)
	if err != nil || !ok || counter != 4 {
		t.Fatalf("expected look-ahead match at 4, got ok=%v counter=%d err=%v", ok, counter, err)
	}
	if ok, _, _ := hotp.Verify("359152", time.Time{}, 1); ok {
		t.Fatal("hotp must not accept codes behind the counter")
	}
}

func TestOTPCodeRequiresSecret(t *testing.T) {
	var nilOTP *OTPMechanism
	if _, err := nilOTP.Code(time.Now()); err == nil {
		t.Fatal("expected error for nil mechanism")
	}
	if _, _, err := (&OTPMechanism{Digits: 6}).Verify("123456", time.Now(), 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

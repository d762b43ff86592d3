package mail

import (
	"strings"
	"testing"
)

const plainQuestion = "From: Alice Martin <alice@example.fr>\r\n" +
	"To: juriste@example.fr\r\n" +
	"Subject: =?UTF-8?Q?Question_cong=C3=A9s?=\r\n" +
	"Message-ID: <q1@example.fr>\r\n" +
	"References: <a@example.fr> <b@example.fr>\r\n" +
	"Date: Mon, 02 Mar 2026 09:00:00 +0100\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"  Puis-je prendre 5 jours de RTT ?\r\n\r\n"

const nestedQuestion = "From: bob@example.fr\r\n" +
	"Reply-To: Bob RH <rh@example.fr>\r\n" +
	"Subject: Licenciement\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Quel est le préavis ?\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML version</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"contrat.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--outer--\r\n"

const htmlOnlyQuestion = "From: carla@example.fr\r\n" +
	"Subject: Heures sup\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><head><style>p{color:red}</style></head><body>" +
	"<p>Bonjour,</p><p>Comment sont payées les heures supplémentaires ?<br>Merci</p>" +
	"<script>alert(1)</script></body></html>\r\n"

const latin1Question = "From: dan@example.fr\r\n" +
	"Subject: =?ISO-8859-1?Q?Cong=E9s?=\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=iso-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Combien de jours de cong=E9s pay=E9s ?\r\n"

func TestParseMessage_Plain(t *testing.T) {
	msg, err := ParseMessage([]byte(plainQuestion))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.MessageID != "q1@example.fr" {
		t.Errorf("MessageID = %q, want q1@example.fr", msg.MessageID)
	}
	if msg.From != "Alice Martin <alice@example.fr>" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.FromAddress != "alice@example.fr" {
		t.Errorf("FromAddress = %q, want alice@example.fr", msg.FromAddress)
	}
	if msg.Subject != "Question congés" {
		t.Errorf("Subject = %q, want decoded %q", msg.Subject, "Question congés")
	}
	if msg.Body != "Puis-je prendre 5 jours de RTT ?" {
		t.Errorf("Body = %q", msg.Body)
	}
	if len(msg.References) != 2 || msg.References[1] != "b@example.fr" {
		t.Errorf("References = %v", msg.References)
	}
	if msg.Date.IsZero() {
		t.Error("Date not parsed")
	}
	if msg.ReplyAddress() != "alice@example.fr" {
		t.Errorf("ReplyAddress = %q, want From address", msg.ReplyAddress())
	}
}

func TestParseMessage_NestedMultipart(t *testing.T) {
	msg, err := ParseMessage([]byte(nestedQuestion))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Body != "Quel est le préavis ?" {
		t.Errorf("Body = %q, want the text/plain part", msg.Body)
	}
	if msg.ReplyTo != "rh@example.fr" {
		t.Errorf("ReplyTo = %q, want rh@example.fr", msg.ReplyTo)
	}
	if msg.ReplyAddress() != "rh@example.fr" {
		t.Errorf("ReplyAddress = %q, want Reply-To", msg.ReplyAddress())
	}
}

func TestParseMessage_HTMLFallback(t *testing.T) {
	msg, err := ParseMessage([]byte(htmlOnlyQuestion))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	want := "Bonjour,\n\nComment sont payées les heures supplémentaires ?\nMerci"
	if msg.Body != want {
		t.Errorf("Body = %q, want %q", msg.Body, want)
	}
	if strings.Contains(msg.Body, "alert") || strings.Contains(msg.Body, "color") {
		t.Errorf("Body contains script or style text: %q", msg.Body)
	}
}

func TestParseMessage_Latin1(t *testing.T) {
	msg, err := ParseMessage([]byte(latin1Question))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Body != "Combien de jours de congés payés ?" {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.Subject != "Congés" {
		t.Errorf("Subject = %q, want Congés", msg.Subject)
	}
}

func TestParseMessage_AutoSubmitted(t *testing.T) {
	raw := "From: robot@example.fr\r\n" +
		"Subject: Absence\r\n" +
		"Auto-Submitted: auto-replied\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Je suis absent jusqu'au 10 mars.\r\n"
	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.AutoSubmitted != "auto-replied" {
		t.Errorf("AutoSubmitted = %q", msg.AutoSubmitted)
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Alice <alice@example.fr>", "alice@example.fr"},
		{"alice@example.fr", "alice@example.fr"},
		{" <x@y.fr> ", "x@y.fr"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.in); got != tt.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

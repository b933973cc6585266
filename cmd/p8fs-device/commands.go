package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"p8fs-auth/pkg/client"
	"p8fs-auth/pkg/identity"

	"github.com/spf13/pflag"
)

func runInit(ctx context.Context, env *environment, args []string) error {
	ks, err := env.keystore()
	if err != nil {
		return err
	}
	id, err := identity.LoadOrCreate(ctx, ks)
	if err != nil {
		return err
	}
	fmt.Printf("Device public key: %s\n", id.PublicKeyBase64())
	return nil
}

func registerFlags(env *environment, fs *pflag.FlagSet) {
	fs.StringVar(&env.email, "email", "", "email address to register (required)")
	fs.StringVar(&env.deviceType, "type", "mobile", "device type")
}

func runRegister(ctx context.Context, env *environment, args []string) error {
	if env.email == "" {
		return errors.New("--email is required")
	}
	ks, err := env.keystore()
	if err != nil {
		return err
	}
	id, err := identity.LoadOrCreate(ctx, ks)
	if err != nil {
		return err
	}

	resp, err := env.client().Register(ctx, env.baseContext(), env.email, id, client.DeviceInfo{
		DeviceName: env.deviceName,
		DeviceType: env.deviceType,
		Platform:   env.platform,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s\nRun 'p8fs-device verify --email %s --code <code>' within %d seconds.\n",
		resp.Message, env.email, resp.ExpiresIn)
	return nil
}

func verifyFlags(env *environment, fs *pflag.FlagSet) {
	fs.StringVar(&env.email, "email", "", "registered email address (required)")
	fs.StringVar(&env.code, "code", "", "6-digit code from the email (required)")
	fs.BoolVarP(&env.yes, "yes", "y", false, "skip the confirmation prompt")
}

func runVerify(ctx context.Context, env *environment, args []string) error {
	if env.email == "" || env.code == "" {
		return errors.New("--email and --code are required")
	}
	id, err := env.signingIdentity(ctx, env.yes)
	if err != nil {
		return err
	}

	grant, err := env.client().Verify(ctx, env.baseContext(), env.email, env.code, id)
	if err != nil {
		return err
	}
	if err := env.saveGrant(ctx, grant); err != nil {
		return err
	}
	fmt.Printf("Registered device %s in tenant %s\n", grant.DeviceID, grant.TenantID)
	return nil
}

func loginFlags(env *environment, fs *pflag.FlagSet) {
	fs.StringVar(&env.clientID, "client-id", client.DefaultClientID, "OAuth client id")
	fs.StringVar(&env.deviceType, "type", "desktop", "device type")
}

func runLogin(ctx context.Context, env *environment, args []string) error {
	api := env.client()
	// Open the keystore before waiting so the passphrase prompt is not
	// interleaved with the pairing instructions.
	if _, err := env.keystore(); err != nil {
		return err
	}

	dc, err := api.RequestDeviceCode(ctx, env.clientID, "", client.DeviceMetadata{
		Name:     env.deviceName,
		Type:     env.deviceType,
		Platform: env.platform,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Approve this device from your phone:\n\n  %s\n\nor enter code %s at %s\n\nWaiting for approval...\n",
		dc.VerificationURIComplete, dc.UserCode, dc.VerificationURI)

	grant, err := api.WaitForApproval(ctx, dc, env.clientID)
	if err != nil {
		return err
	}
	if err := env.saveGrant(ctx, grant); err != nil {
		return err
	}
	fmt.Printf("Paired as device %s in tenant %s\n", grant.DeviceID, grant.TenantID)
	return nil
}

func approveFlags(env *environment, fs *pflag.FlagSet) {
	fs.StringVar(&env.userCode, "user-code", "", "code shown by the device being paired (required)")
	fs.StringVar(&env.apiKey, "api-key", "", "approve with a single-use API key instead of this device's signature")
	fs.StringVar(&env.metadata, "metadata", "", "opaque encrypted metadata handed to the new device")
	fs.BoolVar(&env.issueAPIKey, "issue-api-key", false, "print a single-use API key for the code instead of approving")
	fs.BoolVar(&env.deny, "deny", false, "deny the request")
	fs.BoolVarP(&env.yes, "yes", "y", false, "skip the confirmation prompt")
}

func runApprove(ctx context.Context, env *environment, args []string) error {
	if env.userCode == "" {
		return errors.New("--user-code is required")
	}
	api := env.client()

	if env.apiKey != "" {
		if err := api.ApproveWithAPIKey(ctx, env.userCode, env.apiKey); err != nil {
			return err
		}
		fmt.Println("Approved.")
		return nil
	}

	rc, err := env.session(ctx)
	if err != nil {
		return err
	}

	switch {
	case env.deny:
		if err := api.Deny(ctx, rc, env.userCode); err != nil {
			return err
		}
		fmt.Println("Denied.")
		return nil
	case env.issueAPIKey:
		key, err := api.CreateAPIKey(ctx, rc, env.userCode)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	}

	details, err := api.SessionDetails(ctx, rc, env.userCode)
	if err != nil {
		return err
	}
	fmt.Printf("Pairing request from %q (%s, %s)\n", details.Device.Name, details.Device.Type, details.Device.Platform)

	id, err := env.signingIdentity(ctx, env.yes)
	if err != nil {
		return err
	}
	if _, err := api.Approve(ctx, rc, env.userCode, id, env.metadata); err != nil {
		return err
	}
	fmt.Println("Approved.")
	return nil
}

func runCredentials(ctx context.Context, env *environment, args []string) error {
	rc, err := env.session(ctx)
	if err != nil {
		return err
	}
	creds, err := env.client().S3Credentials(ctx, rc)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(creds)
}

func runUpload(ctx context.Context, env *environment, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: p8fs-device upload <file>")
	}
	body, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	rc, err := env.session(ctx)
	if err != nil {
		return err
	}
	api := env.client()
	creds, err := api.S3Credentials(ctx, rc)
	if err != nil {
		return err
	}
	key, err := api.Upload(ctx, creds, args[0], body)
	if err != nil {
		return err
	}
	fmt.Printf("s3://%s/%s\n", creds.Bucket, key)
	return nil
}

func runRotate(ctx context.Context, env *environment, args []string) error {
	rc, err := env.session(ctx)
	if err != nil {
		return err
	}
	ks, err := env.keystore()
	if err != nil {
		return err
	}

	next, err := identity.Rotate()
	if err != nil {
		return err
	}
	if _, err := env.client().RotateKey(ctx, rc, next); err != nil {
		return err
	}
	if err := next.Commit(ctx, ks); err != nil {
		return fmt.Errorf("server accepted the new key but saving it failed: %w", err)
	}
	fmt.Printf("New device public key: %s\n", next.PublicKeyBase64())
	return nil
}
